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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seatunnel/loops/internal/metrics"
	"github.com/seatunnel/loops/internal/supervisor"
	"github.com/seatunnel/loops/internal/worker"
)

type fakeSource struct {
	snap supervisor.Snapshot
}

func (f *fakeSource) Snapshot() supervisor.Snapshot { return f.snap }

func sampleSnapshot(phase supervisor.Phase) supervisor.Snapshot {
	return supervisor.Snapshot{
		RunID:  "run-1",
		Phase:  phase,
		Engine: worker.EngineThread,
		Pools: []worker.PoolStatus{
			{
				Name:    "ping",
				Engine:  worker.EngineThread,
				Running: 2,
				Workers: []worker.WorkerStatus{
					{Index: 0, Running: true},
					{Index: 1, Running: true, Restarts: 1},
				},
				Restarts: 1,
			},
			{Name: "idle", Engine: worker.EngineThread},
		},
		UpdatedAt: time.Now(),
	}
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

// TestHTTPServer_Health tests the health endpoint in every phase
// TestHTTPServer_Health 测试各阶段的健康检查端点
func TestHTTPServer_Health(t *testing.T) {
	tests := []struct {
		phase  supervisor.Phase
		code   int
		status string
	}{
		{supervisor.PhaseMonitoring, http.StatusOK, "ok"},
		{supervisor.PhaseGraceful, http.StatusOK, "draining"},
		{supervisor.PhaseForced, http.StatusOK, "draining"},
		{supervisor.PhaseStopped, http.StatusServiceUnavailable, "stopped"},
	}

	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			src := &fakeSource{snap: sampleSnapshot(tt.phase)}
			s := NewHTTPServer(":0", src, nil, nil)

			rec, body := get(t, s.Handler(), "/healthz")
			assert.Equal(t, tt.code, rec.Code)

			data := body["data"].(map[string]any)
			assert.Equal(t, tt.status, data["status"])
			assert.Equal(t, tt.phase.String(), data["phase"])
			assert.Equal(t, "run-1", data["run_id"])
		})
	}
}

func TestHTTPServer_Status(t *testing.T) {
	src := &fakeSource{snap: sampleSnapshot(supervisor.PhaseMonitoring)}
	s := NewHTTPServer(":0", src, nil, nil)

	rec, body := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].(map[string]any)
	assert.Equal(t, "monitoring", data["phase"])
	assert.Equal(t, "thread", data["engine"])
	pools := data["pools"].([]any)
	require.Len(t, pools, 2)
	assert.Equal(t, "ping", pools[0].(map[string]any)["name"])

	rec, body = get(t, s.Handler(), "/status/ping")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["data"].(map[string]any)["running"])

	rec, body = get(t, s.Handler(), "/status/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error_msg"], "missing")
}

func TestHTTPServer_Metrics(t *testing.T) {
	c := metrics.NewCollector()
	c.WorkerStarted("ping", 0, 100)

	s := NewHTTPServer(":0", &fakeSource{}, c.Handler(), nil)
	rec, _ := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `loops_worker_starts_total{loop="ping"} 1`)

	noMetrics := NewHTTPServer(":0", &fakeSource{}, nil, nil)
	rec, _ = get(t, noMetrics.Handler(), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPServer_StartStop(t *testing.T) {
	s := NewHTTPServer("127.0.0.1:0", &fakeSource{snap: sampleSnapshot(supervisor.PhaseMonitoring)}, nil, nil)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrServerAlreadyRunning)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", s.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.ErrorIs(t, s.Stop(ctx), ErrServerNotRunning)
}
