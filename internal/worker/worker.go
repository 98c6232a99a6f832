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

// Package worker runs and supervises the execution units of one loop.
// worker 包运行并监管单个循环的执行单元。
//
// A Worker wraps one OS process (fork engine) or one goroutine (thread engine).
// A Pool owns the fixed set of workers of one loop. Neither type is safe for
// concurrent use; the supervisor drives them from a single goroutine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/seatunnel/loops/internal/shutdown"
)

// Engine selects how workers execute
// Engine 选择 worker 的执行方式
type Engine string

const (
	// EngineFork runs every worker in its own OS process
	EngineFork Engine = "fork"
	// EngineThread runs every worker in a goroutine of the supervisor
	EngineThread Engine = "thread"
)

// DefaultForceWait bounds how long a forced stop waits for a goroutine worker
// to honour cancellation before the handle is abandoned.
const DefaultForceWait = time.Second

// Common errors for worker handling
// worker 处理的常见错误
var (
	ErrUnknownEngine = errors.New("worker: unknown engine")
	ErrNoJob         = errors.New("worker: job body missing for engine")
	errAbandoned     = errors.New("worker: goroutine did not exit after cancellation")
)

// ParseEngine parses an engine name
// ParseEngine 解析引擎名称
func ParseEngine(s string) (Engine, error) {
	switch e := Engine(strings.ToLower(strings.TrimSpace(s))); e {
	case EngineFork, EngineThread:
		return e, nil
	case "":
		return EngineFork, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEngine, s)
	}
}

// Job is the body shared by all workers of a pool.
// Job 是池内所有 worker 共享的任务体。
type Job struct {
	// Command builds the child process of a fork-engine worker.
	Command func(w *Worker) *exec.Cmd
	// Run is the body of a thread-engine worker. It should return once ctx is done.
	Run func(ctx context.Context, w *Worker) error
}

// Validate checks that the job can run on engine
func (j Job) Validate(engine Engine) error {
	switch engine {
	case EngineFork:
		if j.Command == nil {
			return fmt.Errorf("%w %s", ErrNoJob, engine)
		}
	case EngineThread:
		if j.Run == nil {
			return fmt.Errorf("%w %s", ErrNoJob, engine)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}
	return nil
}

// Observer receives worker lifecycle notifications
// Observer 接收 worker 生命周期通知
type Observer interface {
	WorkerStarted(loop string, index, pid int)
	WorkerStartFailed(loop string, index int, err error)
	WorkerRestarted(loop string, index int)
}

// RestartPolicy can veto a restart of a dead worker
// RestartPolicy 可以否决已死亡 worker 的重启
type RestartPolicy interface {
	Allow(key string) bool
	Record(key string)
}

// Settings are the collaborators shared by the workers of a pool
// Settings 是池内 worker 共享的协作对象
type Settings struct {
	Logger    *zap.Logger
	Shutdown  *shutdown.Flag
	Observer  Observer
	Policy    RestartPolicy
	ForceWait time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Shutdown == nil {
		s.Shutdown = shutdown.NewFlag()
	}
	if s.Observer == nil {
		s.Observer = nopObserver{}
	}
	if s.Policy == nil {
		s.Policy = alwaysRestart{}
	}
	if s.ForceWait <= 0 {
		s.ForceWait = DefaultForceWait
	}
	return s
}

type nopObserver struct{}

func (nopObserver) WorkerStarted(string, int, int)       {}
func (nopObserver) WorkerStartFailed(string, int, error) {}
func (nopObserver) WorkerRestarted(string, int)          {}

type alwaysRestart struct{}

func (alwaysRestart) Allow(string) bool { return true }
func (alwaysRestart) Record(string)     {}

// Worker is one execution unit of a loop
// Worker 是循环的一个执行单元
type Worker struct {
	name     string
	index    int
	engine   Engine
	job      Job
	settings Settings
	log      *zap.Logger

	h             handle
	stopRequested bool
	launches      int
}

// New creates an unstarted worker
// New 创建一个未启动的 worker
func New(name string, index int, engine Engine, job Job, settings Settings) *Worker {
	settings = settings.withDefaults()
	return &Worker{
		name:     name,
		index:    index,
		engine:   engine,
		job:      job,
		settings: settings,
		log:      settings.Logger.With(zap.String("loop", name), zap.Int("index", index)),
	}
}

// Name returns the loop name. Safe to call from the job body.
func (w *Worker) Name() string { return w.name }

// Index returns the worker slot in its pool. Safe to call from the job body.
func (w *Worker) Index() int { return w.index }

// Engine returns the execution engine
func (w *Worker) Engine() Engine { return w.engine }

// Key identifies the worker across restarts
func (w *Worker) Key() string { return fmt.Sprintf("%s#%d", w.name, w.index) }

// PID returns the pid of a running process worker, 0 otherwise
func (w *Worker) PID() int {
	if w.h == nil {
		return 0
	}
	return w.h.pid()
}

// StopRequested reports whether Stop was called
func (w *Worker) StopRequested() bool { return w.stopRequested }

// Restarts returns how many times the worker was launched after the first start
func (w *Worker) Restarts() int {
	if w.launches <= 1 {
		return 0
	}
	return w.launches - 1
}

// Start launches the worker. It never blocks on the job and never returns an
// error: a spawn failure is logged and leaves the worker without a handle so the
// next health check retries.
// Start 启动 worker，不等待任务结束；启动失败只记录日志，下一次健康检查会重试。
func (w *Worker) Start() {
	if w.stopRequested || w.settings.Shutdown.IsSet() {
		return
	}

	w.launches++
	h, err := w.spawn()
	if err != nil {
		w.h = nil
		w.log.Error("Failed to start worker", zap.Error(err))
		w.settings.Observer.WorkerStartFailed(w.name, w.index, err)
		return
	}

	w.h = h
	w.log.Debug("Worker started", zap.Int("pid", h.pid()), zap.String("engine", string(w.engine)))
	w.settings.Observer.WorkerStarted(w.name, w.index, h.pid())
}

func (w *Worker) spawn() (handle, error) {
	if err := w.job.Validate(w.engine); err != nil {
		return nil, err
	}
	switch w.engine {
	case EngineFork:
		h, err := startProcess(w)
		if err != nil {
			return nil, err
		}
		return h, nil
	default:
		return startGoroutine(w), nil
	}
}

// IsRunning reports whether the worker's execution unit is alive. For process
// workers it reaps an exited child first and then probes with signal 0. The
// not-running cases are never errors; with verbose they are logged.
// IsRunning 返回 worker 是否存活；进程 worker 会先回收已退出子进程再用信号 0 探测。
func (w *Worker) IsRunning(verbose bool) bool {
	if w.h == nil {
		return false
	}
	return w.h.alive(verbose)
}

// Stop marks the worker as stopping, so it is never restarted, and asks its
// execution unit to terminate: SIGTERM or SIGKILL for processes, context
// cancellation for goroutines. It is idempotent and never returns an error.
// Stop 标记 worker 为停止状态（不再重启），并请求其终止；幂等且不返回错误。
func (w *Worker) Stop(force bool) {
	w.stopRequested = true
	if w.h == nil {
		return
	}

	if err := w.h.stop(force); err != nil {
		if errors.Is(err, errAbandoned) {
			w.log.Error("Abandoning worker that ignored cancellation", zap.Error(err))
			w.h = nil
			return
		}
		w.log.Error("Failed to stop worker", zap.Bool("force", force), zap.Error(err))
	}
}

// forget drops the handle of a stopped worker once it is confirmed dead
func (w *Worker) forget() {
	if w.stopRequested {
		w.h = nil
	}
}
