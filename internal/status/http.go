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

// Package status exposes the supervisor state over HTTP and gRPC.
// status 包通过 HTTP 与 gRPC 暴露监管器状态。
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/seatunnel/loops/internal/supervisor"
	"github.com/seatunnel/loops/internal/worker"
)

// Errors for status server operations
// 状态服务器操作的错误定义
var (
	// ErrServerNotRunning indicates the server is not running.
	// ErrServerNotRunning 表示服务器未运行。
	ErrServerNotRunning = errors.New("status: server is not running")

	// ErrServerAlreadyRunning indicates the server is already running.
	// ErrServerAlreadyRunning 表示服务器已在运行。
	ErrServerAlreadyRunning = errors.New("status: server is already running")
)

// Source provides the latest supervisor snapshot. It must be safe for
// concurrent use.
// Source 提供最新的监管器快照，必须支持并发调用。
type Source interface {
	Snapshot() supervisor.Snapshot
}

// Response is the JSON envelope of every endpoint
// Response 是所有端点的 JSON 包装
type Response struct {
	ErrorMsg string `json:"error_msg"`
	Data     any    `json:"data"`
}

// Health is the body of GET /healthz
type Health struct {
	Status string           `json:"status"`
	Phase  supervisor.Phase `json:"phase"`
	RunID  string           `json:"run_id"`
}

// HTTPServer serves /healthz, /status and /metrics
// HTTPServer 提供 /healthz、/status 与 /metrics 端点
type HTTPServer struct {
	addr   string
	source Source
	engine *gin.Engine
	logger *zap.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewHTTPServer creates the HTTP status server. metrics may be nil.
// NewHTTPServer 创建 HTTP 状态服务器，metrics 可以为 nil。
func NewHTTPServer(addr string, source Source, metrics http.Handler, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &HTTPServer{
		addr:   addr,
		source: source,
		logger: logger,
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.loggerMiddleware())
	r.GET("/healthz", s.health)
	r.GET("/status", s.status)
	r.GET("/status/:loop", s.loopStatus)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	s.engine = r
	return s
}

// Handler returns the router, mainly for tests
func (s *HTTPServer) Handler() http.Handler { return s.engine }

// Start starts listening. It returns once the socket is bound.
// Start 开始监听，端口绑定成功后返回。
func (s *HTTPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return ErrServerAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Status server starting", zap.String("addr", listener.Addr().String()))
	srv := s.srv
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down, waiting for in-flight requests until ctx is done
// Stop 关闭服务器，等待进行中的请求直到 ctx 结束
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return ErrServerNotRunning
	}
	s.logger.Info("Stopping status server")
	return srv.Shutdown(ctx)
}

func (s *HTTPServer) health(c *gin.Context) {
	snap := s.source.Snapshot()
	h := Health{Status: "ok", Phase: snap.Phase, RunID: snap.RunID}

	code := http.StatusOK
	switch snap.Phase {
	case supervisor.PhaseGraceful, supervisor.PhaseForced:
		h.Status = "draining"
	case supervisor.PhaseStopped:
		h.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, Response{Data: h})
}

func (s *HTTPServer) status(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Data: s.source.Snapshot()})
}

func (s *HTTPServer) loopStatus(c *gin.Context) {
	name := c.Param("loop")
	for _, p := range s.source.Snapshot().Pools {
		if p.Name == name {
			c.JSON(http.StatusOK, Response{Data: p})
			return
		}
	}
	c.JSON(http.StatusNotFound, Response{ErrorMsg: "loop not found: " + name})
}

// loggerMiddleware logs every request at debug level
func (s *HTTPServer) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Status request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// running reports whether a pool has at least one live worker
func running(p worker.PoolStatus) bool { return p.Running > 0 }
