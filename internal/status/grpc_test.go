/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/seatunnel/loops/internal/supervisor"
)

func check(t *testing.T, s *HealthServer, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

// TestHealthServer_Update tests serving status per phase and loop
// TestHealthServer_Update 测试各阶段与各循环的服务状态
func TestHealthServer_Update(t *testing.T) {
	s := NewHealthServer(":0", nil)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, ""))

	s.Update(sampleSnapshot(supervisor.PhaseMonitoring))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s, "ping"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, "idle"))

	_, err := s.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: "missing"})
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))

	s.Update(sampleSnapshot(supervisor.PhaseGraceful))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, "ping"))

	s.Update(sampleSnapshot(supervisor.PhaseStopped))
	s.Update(sampleSnapshot(supervisor.PhaseMonitoring))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, ""), "updates after stop are ignored")
}

func TestHealthServer_Serve(t *testing.T) {
	s := NewHealthServer("127.0.0.1:0", nil)
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.ErrorIs(t, s.Start(), ErrServerAlreadyRunning)

	s.Update(sampleSnapshot(supervisor.PhaseMonitoring))

	conn, err := grpc.NewClient(s.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "ping"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
