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

// Package supervisor provides the ProcessManager, which owns every worker pool,
// restarts dead workers and drives the two-phase shutdown.
// supervisor 包提供 ProcessManager：管理所有 worker 池、重启死亡的 worker 并执行两阶段关闭。
//
// This package provides:
// 此包提供：
// - Health check polling with restart-on-death / 健康检查轮询与死亡重启
// - Graceful stop, bounded wait, forced kill, final wait / 优雅停止、有界等待、强制终止、最终等待
// - An atomic shutdown flag usable from signal handlers / 可在信号处理中使用的原子关闭标志
// - Status snapshots readable from any goroutine / 可从任意 goroutine 读取的状态快照
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seatunnel/loops/internal/metrics"
	"github.com/seatunnel/loops/internal/shutdown"
	"github.com/seatunnel/loops/internal/worker"
)

// Common errors for supervision
// 监管的常见错误
var (
	ErrNoJob             = errors.New("supervisor: no job body")
	ErrPoolExists        = errors.New("supervisor: pool already registered")
	ErrInvalidCount      = errors.New("supervisor: worker count must be positive")
	ErrAlreadyMonitoring = errors.New("supervisor: monitor already running")
	ErrMonitorPanic      = errors.New("supervisor: monitor loop panicked")
)

// Default configuration values
// 默认配置值
const (
	DefaultPollPeriod = time.Second      // 默认轮询周期 / Default poll period
	DefaultWaitPeriod = 10 * time.Second // 默认优雅关闭等待 / Default graceful wait
	ForcedWaitPeriod  = 5 * time.Second  // 强制终止后的确认等待 / Confirmation wait after kill
)

// Phase is the supervisor lifecycle phase
// Phase 表示监管器生命周期阶段
type Phase int32

const (
	PhaseInitialized Phase = iota // 已初始化 / Initialized
	PhaseMonitoring               // 监控中 / Monitoring
	PhaseGraceful                 // 优雅关闭中 / Draining (graceful)
	PhaseForced                   // 强制关闭中 / Draining (forced)
	PhaseStopped                  // 已停止 / Stopped
)

// String returns the string representation of the phase
func (p Phase) String() string {
	switch p {
	case PhaseInitialized:
		return "initialized"
	case PhaseMonitoring:
		return "monitoring"
	case PhaseGraceful:
		return "graceful"
	case PhaseForced:
		return "forced"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// MarshalText implements encoding.TextMarshaler
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Config holds the supervisor settings
// Config 保存监管器配置
type Config struct {
	PollPeriod time.Duration // 健康检查间隔 / Health check interval
	WaitPeriod time.Duration // 优雅关闭等待 / Graceful shutdown wait
	Engine     worker.Engine // fork 或 thread / fork or thread
}

// Snapshot is a point-in-time view of all pools
// Snapshot 是所有池在某一时刻的视图
type Snapshot struct {
	RunID     string              `json:"run_id"`
	Phase     Phase               `json:"phase"`
	Engine    worker.Engine       `json:"engine"`
	Pools     []worker.PoolStatus `json:"pools"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// ProcessManager supervises worker pools
// ProcessManager 监管 worker 池
//
// Pools are only touched by the goroutine that calls StartWorkers and Monitor.
// StartShutdown, ShuttingDown, Snapshot and Phase are safe from any goroutine.
type ProcessManager struct {
	config     Config
	waitPeriod atomic.Int64
	runID      string
	log        *zap.Logger
	flag       *shutdown.Flag

	pools map[string]*worker.Pool
	order []string

	metrics      *metrics.Collector
	policy       worker.RestartPolicy
	forceWait    time.Duration
	snapshotHook func(Snapshot)

	snapshot   atomic.Pointer[Snapshot]
	phase      atomic.Int32
	monitoring atomic.Bool
	waitTick   time.Duration
}

// NewProcessManager creates a ProcessManager. Zero config values fall back to defaults.
// NewProcessManager 创建 ProcessManager，零值配置使用默认值。
func NewProcessManager(config Config, log *zap.Logger) *ProcessManager {
	if config.PollPeriod <= 0 {
		config.PollPeriod = DefaultPollPeriod
	}
	if config.WaitPeriod <= 0 {
		config.WaitPeriod = DefaultWaitPeriod
	}
	if config.Engine == "" {
		config.Engine = worker.EngineFork
	}
	if log == nil {
		log = zap.NewNop()
	}

	runID := uuid.NewString()
	m := &ProcessManager{
		config:   config,
		runID:    runID,
		log:      log.With(zap.String("run_id", runID)),
		flag:     shutdown.NewFlag(),
		pools:    make(map[string]*worker.Pool),
		waitTick: time.Second,
	}
	m.waitPeriod.Store(int64(config.WaitPeriod))
	return m
}

// SetMetrics sets the metrics collector
// SetMetrics 设置指标收集器
func (m *ProcessManager) SetMetrics(c *metrics.Collector) {
	m.metrics = c
}

// SetRestartPolicy sets the policy consulted before restarting a dead worker
// SetRestartPolicy 设置重启死亡 worker 前咨询的策略
func (m *ProcessManager) SetRestartPolicy(p worker.RestartPolicy) {
	m.policy = p
}

// SetForceWait sets how long a forced stop waits for goroutine workers
// SetForceWait 设置强制停止时等待 goroutine worker 的时长
func (m *ProcessManager) SetForceWait(d time.Duration) {
	m.forceWait = d
}

// SetSnapshotHook sets a callback invoked with every published snapshot
// SetSnapshotHook 设置每次发布快照时调用的回调
func (m *ProcessManager) SetSnapshotHook(hook func(Snapshot)) {
	m.snapshotHook = hook
}

// RunID returns the unique id of this supervisor run
func (m *ProcessManager) RunID() string { return m.runID }

// Engine returns the configured worker engine
func (m *ProcessManager) Engine() worker.Engine { return m.config.Engine }

// PollPeriod returns the health check interval
func (m *ProcessManager) PollPeriod() time.Duration { return m.config.PollPeriod }

// WaitPeriod returns the effective graceful shutdown wait
func (m *ProcessManager) WaitPeriod() time.Duration {
	return time.Duration(m.waitPeriod.Load())
}

// UpdateWaitPeriod widens the graceful shutdown wait to max(current, d). It
// never shrinks.
// UpdateWaitPeriod 将优雅关闭等待扩大为 max(当前值, d)，永不缩小。
func (m *ProcessManager) UpdateWaitPeriod(d time.Duration) {
	for {
		cur := m.waitPeriod.Load()
		if int64(d) <= cur {
			return
		}
		if m.waitPeriod.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// StartShutdown requests shutdown. It only flips an atomic flag, so it is safe
// to call from a signal handling goroutine any number of times.
// StartShutdown 请求关闭，仅设置原子标志，可在信号处理中多次调用。
func (m *ProcessManager) StartShutdown() {
	m.flag.Trigger()
}

// ShuttingDown reports whether shutdown was requested
// ShuttingDown 返回是否已请求关闭
func (m *ProcessManager) ShuttingDown() bool {
	return m.flag.IsSet()
}

// ShutdownFlag returns the shared shutdown flag
func (m *ProcessManager) ShutdownFlag() *shutdown.Flag {
	return m.flag
}

// Phase returns the current lifecycle phase
func (m *ProcessManager) Phase() Phase {
	return Phase(m.phase.Load())
}

func (m *ProcessManager) setPhase(p Phase) {
	m.phase.Store(int32(p))
	m.metrics.SetPhase(int(p))
}

// Pool returns the pool registered under name
func (m *ProcessManager) Pool(name string) (*worker.Pool, bool) {
	p, ok := m.pools[name]
	return p, ok
}

// StartWorkers registers a pool for name and starts count workers
// StartWorkers 为 name 注册一个池并启动 count 个 worker
func (m *ProcessManager) StartWorkers(name string, count int, job worker.Job) error {
	if err := job.Validate(m.config.Engine); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrNoJob, name, err)
	}
	if count <= 0 {
		return fmt.Errorf("%w: %s=%d", ErrInvalidCount, name, count)
	}
	if _, exists := m.pools[name]; exists {
		return fmt.Errorf("%w: %s", ErrPoolExists, name)
	}

	pool := worker.NewPool(name, m.config.Engine, job, worker.Settings{
		Logger:    m.log,
		Shutdown:  m.flag,
		Observer:  m.metrics,
		Policy:    m.policy,
		ForceWait: m.forceWait,
	})
	m.pools[name] = pool
	m.order = append(m.order, name)

	m.log.Info("Starting workers", zap.String("loop", name), zap.Int("count", count))
	pool.StartWorkers(count)
	return nil
}

// Monitor blocks running health checks every poll period until shutdown is
// requested or ctx is done, then always runs the shutdown sequence before
// returning. A panic in the loop is returned as ErrMonitorPanic after cleanup.
// Monitor 阻塞执行健康检查直到请求关闭或 ctx 结束，返回前总会执行关闭流程。
func (m *ProcessManager) Monitor(ctx context.Context) (err error) {
	if !m.monitoring.CompareAndSwap(false, true) {
		return ErrAlreadyMonitoring
	}

	stop := context.AfterFunc(ctx, m.StartShutdown)
	defer stop()

	defer func() {
		r := recover()
		if r != nil {
			m.log.Error("Monitor loop failed", zap.Any("panic", r), zap.Stack("stack"))
		}
		m.shutdownSequence()
		if r != nil {
			err = fmt.Errorf("%w: %v", ErrMonitorPanic, r)
		}
	}()

	m.setPhase(PhaseMonitoring)
	m.log.Info("Monitoring workers",
		zap.String("engine", string(m.config.Engine)),
		zap.Duration("poll_period", m.config.PollPeriod),
		zap.Int("pools", len(m.pools)))

	for !m.flag.IsSet() {
		m.checkWorkers()
		m.publish()
		m.flag.Sleep(m.config.PollPeriod)
	}

	m.log.Info("Shutdown requested")
	return nil
}

// checkWorkers runs one health check pass, aborting once shutdown is requested
func (m *ProcessManager) checkWorkers() {
	for _, name := range m.order {
		if m.flag.IsSet() {
			return
		}
		m.pools[name].CheckWorkers()
	}
}

// shutdownSequence stops gracefully, waits, then kills whatever is left
// shutdownSequence 先优雅停止并等待，再强制终止剩余 worker
func (m *ProcessManager) shutdownSequence() {
	m.flag.Trigger()

	wait := m.WaitPeriod()
	m.setPhase(PhaseGraceful)
	m.publish()
	m.log.Info("Stopping workers", zap.Duration("wait_period", wait))
	m.StopWorkers(false)

	if !m.WaitForWorkers(wait) {
		m.setPhase(PhaseForced)
		m.publish()
		m.log.Warn("Workers did not stop in time, killing them")
		m.StopWorkers(true)

		if !m.WaitForWorkers(ForcedWaitPeriod) {
			m.log.Error("Some workers are still alive after SIGKILL, leaving them behind",
				zap.Int("running", m.runningWorkers()))
		}
	}

	m.setPhase(PhaseStopped)
	m.publish()
	m.log.Info("All workers stopped")
}

// StopWorkers stops the workers of every pool
// StopWorkers 停止所有池的 worker
func (m *ProcessManager) StopWorkers(force bool) {
	for _, name := range m.order {
		m.pools[name].StopWorkers(force)
	}
}

// WaitForWorkers polls once per second, up to timeout, until no worker is
// running. It reports whether all workers stopped.
// WaitForWorkers 每秒轮询一次（最多 timeout），直到没有 worker 运行。
func (m *ProcessManager) WaitForWorkers(timeout time.Duration) bool {
	attempts := int((timeout + m.waitTick - 1) / m.waitTick)
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		running := m.runningWorkers()
		if running == 0 {
			return true
		}
		m.log.Info("Waiting for workers to stop", zap.Int("running", running))
		shutdown.Sleep(context.Background(), m.waitTick, nil)
	}
	return false
}

func (m *ProcessManager) runningWorkers() int {
	total := 0
	for _, name := range m.order {
		total += m.pools[name].WaitWorkers()
	}
	return total
}

// Snapshot returns the last published snapshot
// Snapshot 返回最近发布的快照
func (m *ProcessManager) Snapshot() Snapshot {
	if s := m.snapshot.Load(); s != nil {
		return *s
	}
	return Snapshot{RunID: m.runID, Phase: m.Phase(), Engine: m.config.Engine}
}

// publish builds a snapshot; it must run on the monitoring goroutine
func (m *ProcessManager) publish() {
	s := &Snapshot{
		RunID:     m.runID,
		Phase:     m.Phase(),
		Engine:    m.config.Engine,
		Pools:     make([]worker.PoolStatus, 0, len(m.order)),
		UpdatedAt: time.Now(),
	}
	for _, name := range m.order {
		st := m.pools[name].Status()
		m.metrics.SetRunning(name, st.Running)
		s.Pools = append(s.Pools, st)
	}
	m.snapshot.Store(s)

	if m.snapshotHook != nil {
		m.snapshotHook(*s)
	}
}
