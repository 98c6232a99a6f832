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
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/seatunnel/loops/internal/supervisor"
)

// HealthServer serves the standard gRPC health service. The empty service
// name reports the supervisor itself; every loop is reported under its name.
// HealthServer 提供标准 gRPC 健康检查服务；空服务名表示监管器本身，每个循环以其名称上报。
type HealthServer struct {
	addr   string
	health *health.Server
	logger *zap.Logger

	mu         sync.Mutex
	grpcServer *grpc.Server
	listener   net.Listener
}

// NewHealthServer creates a health server. Every service starts NOT_SERVING.
// NewHealthServer 创建健康检查服务器，所有服务初始为 NOT_SERVING。
func NewHealthServer(addr string, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{addr: addr, health: h, logger: logger}
}

// Health returns the underlying health service
func (s *HealthServer) Health() healthpb.HealthServer { return s.health }

// Update publishes a supervisor snapshot. It is meant to be used as the
// supervisor snapshot hook.
// Update 发布监管器快照，用作监管器的快照回调。
func (s *HealthServer) Update(snap supervisor.Snapshot) {
	if snap.Phase == supervisor.PhaseStopped {
		// Shutdown sets everything NOT_SERVING and ignores later updates.
		s.health.Shutdown()
		return
	}

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if snap.Phase == supervisor.PhaseMonitoring {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", overall)

	for _, p := range snap.Pools {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if running(p) && overall == healthpb.HealthCheckResponse_SERVING {
			st = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(p.Name, st)
	}
}

// Start starts the gRPC server
// Start 启动 gRPC 服务器
func (s *HealthServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpcServer != nil {
		return ErrServerAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(s.loggingUnaryInterceptor, s.recoveryUnaryInterceptor),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.logger.Info("gRPC health server starting", zap.String("addr", listener.Addr().String()))
	srv := s.grpcServer
	go func() {
		if err := srv.Serve(listener); err != nil {
			s.logger.Error("gRPC health server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *HealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully stops the gRPC server. Watch streams are ended first so
// GracefulStop does not wait on them.
// Stop 优雅地停止 gRPC 服务器。
func (s *HealthServer) Stop() {
	s.mu.Lock()
	srv := s.grpcServer
	s.grpcServer = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}
	s.logger.Info("Stopping gRPC health server")
	s.health.Shutdown()
	srv.Stop()
}

// loggingUnaryInterceptor logs unary RPC calls
// loggingUnaryInterceptor 记录一元 RPC 调用
func (s *HealthServer) loggingUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()

	peerAddr := "unknown"
	if p, ok := peer.FromContext(ctx); ok {
		peerAddr = p.Addr.String()
	}

	resp, err := handler(ctx, req)

	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.String("peer", peerAddr),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.logger.Warn("gRPC unary call failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("gRPC unary call completed", fields...)
	}
	return resp, err
}

// recoveryUnaryInterceptor turns a handler panic into an Internal error
func (s *HealthServer) recoveryUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gRPC unary handler panic",
				zap.String("method", info.FullMethod),
				zap.Any("panic", r),
			)
			err = grpcstatus.Errorf(codes.Internal, "internal server error")
		}
	}()
	return handler(ctx, req)
}
