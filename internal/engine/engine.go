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

// Package engine turns the loops configuration into supervised worker pools.
// engine 包将 loops 配置转换为受监管的 worker 池。
//
// Start runs every enabled loop under a ProcessManager until shutdown.
// RunWorker is the entry point of a worker child process, DebugLoop runs one
// loop instance in the calling goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime/debug"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/seatunnel/loops/internal/config"
	"github.com/seatunnel/loops/internal/logger"
	"github.com/seatunnel/loops/internal/loop"
	"github.com/seatunnel/loops/internal/metrics"
	"github.com/seatunnel/loops/internal/process"
	"github.com/seatunnel/loops/internal/restart"
	"github.com/seatunnel/loops/internal/shutdown"
	"github.com/seatunnel/loops/internal/status"
	"github.com/seatunnel/loops/internal/supervisor"
	"github.com/seatunnel/loops/internal/worker"
)

// Common errors for engine operations
// 引擎操作的常见错误
var (
	ErrWorkerFailed  = errors.New("engine: worker failed")
	ErrNotConfigured = errors.New("engine: loop not configured")
)

// statusStopTimeout bounds the shutdown of the status servers
const statusStopTimeout = 5 * time.Second

// ArgsFunc builds the arguments, without the program name, that make the
// executable run worker index of loop name
type ArgsFunc func(name string, index int) []string

// Engine runs the configured loops
// Engine 运行已配置的循环
type Engine struct {
	cfg      *config.Config
	registry *loop.Registry
	loggers  *logger.Factory
	log      *zap.Logger

	exe        string
	workerArgs ArgsFunc
	forceWait  time.Duration
	signals    []os.Signal

	mu      sync.Mutex
	manager *supervisor.ProcessManager
}

// New creates an engine. The supervisor logger is named "loops".
// New 创建引擎，监管器日志器名为 "loops"。
func New(cfg *config.Config, registry *loop.Registry, loggers *logger.Factory) (*Engine, error) {
	log, err := loggers.Logger("loops", "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		loggers:  loggers,
		log:      log,
		signals:  []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
	e.workerArgs = e.defaultWorkerArgs
	return e, nil
}

// SetLogger replaces the supervisor logger
func (e *Engine) SetLogger(log *zap.Logger) { e.log = log }

// Logger returns the supervisor logger
func (e *Engine) Logger() *zap.Logger { return e.log }

// SetExecutable sets the binary re-executed for fork workers and the
// arguments passed to it. By default the running binary is started with
// "worker <name> <index> --root <root> --config <file>".
// SetExecutable 设置 fork worker 重新执行的二进制及其参数。
func (e *Engine) SetExecutable(exe string, args ArgsFunc) {
	e.exe = exe
	if args != nil {
		e.workerArgs = args
	}
}

// SetForceWait bounds how long a forced stop waits for a goroutine worker
func (e *Engine) SetForceWait(d time.Duration) { e.forceWait = d }

// Manager returns the supervisor of the running Start call, or nil
func (e *Engine) Manager() *supervisor.ProcessManager {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manager
}

func (e *Engine) defaultWorkerArgs(name string, index int) []string {
	return []string{"worker", name, strconv.Itoa(index), "--root", e.cfg.Root, "--config", e.cfg.File}
}

// Start starts every enabled loop, or only those named in only, and blocks
// until shutdown is requested by SIGINT, SIGTERM or ctx. Loops that cannot be
// resolved, fail their dependency check or fail to initialize are skipped.
// With nothing to run it warns and returns nil.
// Start 启动所有启用的循环（或 only 中指定的循环），阻塞直到收到关闭请求。
func (e *Engine) Start(ctx context.Context, only []string) error {
	jobs, err := e.cfg.Jobs()
	if err != nil {
		return err
	}
	engine, err := worker.ParseEngine(e.cfg.Global.WorkersEngine)
	if err != nil {
		return err
	}

	exe := e.exe
	if engine == worker.EngineFork && exe == "" {
		if exe, err = process.Executable(); err != nil {
			return err
		}
	}

	m := supervisor.NewProcessManager(supervisor.Config{
		PollPeriod: e.cfg.Global.PollInterval(),
		WaitPeriod: e.cfg.Global.WaitInterval(),
		Engine:     engine,
	}, e.log)
	collector := metrics.NewCollector()
	m.SetMetrics(collector)
	if e.forceWait > 0 {
		m.SetForceWait(e.forceWait)
	}
	if rc := e.cfg.Global.Restart; rc.MaxRestarts > 0 {
		m.SetRestartPolicy(restart.NewGuard(restart.Config{
			MaxRestarts:    rc.MaxRestarts,
			TimeWindow:     rc.Window(),
			CooldownPeriod: rc.CooldownPeriod(),
		}, e.log))
	}

	stopStatus, err := e.startStatus(m, collector)
	if err != nil {
		return err
	}
	defer stopStatus()

	e.mu.Lock()
	e.manager = m
	e.mu.Unlock()

	wanted := e.selection(only)
	started := 0
	for _, spec := range jobs {
		if !spec.Enabled {
			e.log.Debug("Loop is disabled", zap.String("loop", spec.Name))
			continue
		}
		if len(wanted) > 0 && !wanted[spec.Name] {
			continue
		}

		def, ok := e.prepare(spec)
		if !ok {
			continue
		}
		if spec.WaitPeriod > 0 {
			m.UpdateWaitPeriod(time.Duration(spec.WaitPeriod * float64(time.Second)))
		}

		if err := m.StartWorkers(spec.Name, spec.WorkerCount, e.job(spec, def, exe)); err != nil {
			e.log.Error("Failed to start loop", zap.String("loop", spec.Name), zap.Error(err))
			continue
		}
		started++
	}

	if started == 0 {
		e.log.Warn("No loops to run")
		return nil
	}

	stopSignals := m.ShutdownFlag().Notify(e.signals...)
	defer stopSignals()

	err = m.Monitor(ctx)
	e.log.Info("Loops are stopped now")
	return err
}

// selection returns the requested loop names, warning about unknown ones
func (e *Engine) selection(only []string) map[string]bool {
	if len(only) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(only))
	for _, name := range only {
		if _, ok := e.cfg.Loops[name]; !ok {
			e.log.Warn("Unknown loop requested", zap.String("loop", name))
			continue
		}
		wanted[name] = true
	}
	if len(wanted) == 0 {
		// Every requested name was unknown; run nothing rather than everything.
		wanted[""] = true
	}
	return wanted
}

// prepare resolves, checks and initializes the implementation of a loop.
// Failures are logged and the loop is skipped.
// prepare 解析、检查并初始化循环实现；失败时记录日志并跳过该循环。
func (e *Engine) prepare(spec config.JobSpec) (loop.Definition, bool) {
	log := e.log.With(zap.String("loop", spec.Name))

	def, err := e.registry.Resolve(spec.LoopName)
	if err != nil {
		log.Error("Can't find loop implementation, loop won't be started",
			zap.String("loop_name", spec.LoopName), zap.Error(err))
		return def, false
	}
	if err := def.Check(); err != nil {
		log.Error("Loop dependencies check failed, loop won't be started", zap.Error(err))
		return def, false
	}

	log.Info("Starting loop", zap.Int("workers", spec.WorkerCount), zap.Any("options", spec.Options))
	if err := def.Init(loop.Options(spec.Options)); err != nil {
		log.Error("Loop initialization failed, loop won't be started", zap.Error(err))
		return def, false
	}
	return def, true
}

// loopLogger returns the logger of a loop, falling back to the supervisor
// logger when the loop's own destination can't be opened
func (e *Engine) loopLogger(spec config.JobSpec) *zap.Logger {
	name := "loop." + spec.Name
	log, err := e.loggers.Logger(name, e.cfg.Path(spec.Logger), spec.LogLevel)
	if err != nil {
		e.log.Error("Can't create a logger for the loop, using the default logger",
			zap.String("loop", spec.Name), zap.Error(err))
		return e.log.Named(name)
	}
	return log
}

// job builds the worker body of a loop for both engines
func (e *Engine) job(spec config.JobSpec, def loop.Definition, exe string) worker.Job {
	opts := loop.Options(spec.Options)
	log := e.loopLogger(spec)

	return worker.Job{
		Command: func(w *worker.Worker) *exec.Cmd {
			return process.WorkerCommand(exe, w.Name(), w.Index(), e.workerArgs(w.Name(), w.Index())...)
		},
		Run: func(ctx context.Context, w *worker.Worker) error {
			rt := loop.NewRuntime(ctx, w.Name(), w.Index(), opts, log.With(zap.Int("index", w.Index())))
			return def.New().Run(ctx, rt)
		},
	}
}

// startStatus starts the configured status servers and returns their stop
// function
func (e *Engine) startStatus(m *supervisor.ProcessManager, collector *metrics.Collector) (func(), error) {
	g := e.cfg.Global.Status
	var stops []func()
	stop := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if g.Listen != "" {
		srv := status.NewHTTPServer(g.Listen, m, collector.Handler(), e.log.Named("status"))
		if err := srv.Start(); err != nil {
			return nil, err
		}
		stops = append(stops, func() {
			ctx, cancel := context.WithTimeout(context.Background(), statusStopTimeout)
			defer cancel()
			if err := srv.Stop(ctx); err != nil {
				e.log.Warn("Failed to stop status server", zap.Error(err))
			}
		})
	}

	if g.GRPCListen != "" {
		srv := status.NewHealthServer(g.GRPCListen, e.log.Named("health"))
		if err := srv.Start(); err != nil {
			stop()
			return nil, err
		}
		m.SetSnapshotHook(srv.Update)
		stops = append(stops, srv.Stop)
	}
	return stop, nil
}

// RunWorker runs worker index of loop name in the current process. It is the
// entry point of a fork-engine child. SIGINT and SIGTERM ask the loop to stop.
// A loop error or panic is logged with its stack and returned wrapped in
// ErrWorkerFailed; the caller is expected to exit non-zero.
// RunWorker 在当前进程中运行循环 name 的第 index 个 worker，是 fork 子进程的入口。
func (e *Engine) RunWorker(ctx context.Context, name string, index int) error {
	spec, def, err := e.resolve(name)
	if err != nil {
		return err
	}
	if err := def.Init(loop.Options(spec.Options)); err != nil {
		return err
	}

	wctx, stop := e.signalContext(ctx)
	defer stop()

	log := e.loopLogger(spec).With(zap.Int("index", index))
	log.Debug("Worker process started", zap.String("title", process.Title(name, index)))
	return e.run(wctx, spec, def, index, log)
}

// DebugLoop runs a single instance of loop name in the calling goroutine,
// bypassing the supervisor. The loop does not need to be enabled.
// DebugLoop 在调用方 goroutine 中运行循环 name 的单个实例，绕过监管器。
func (e *Engine) DebugLoop(ctx context.Context, name string) error {
	spec, def, err := e.resolve(name)
	if err != nil {
		return err
	}
	if err := def.Check(); err != nil {
		return err
	}
	if err := def.Init(loop.Options(spec.Options)); err != nil {
		return err
	}

	ctx, stop := e.signalContext(ctx)
	defer stop()

	log := e.loopLogger(spec).With(zap.Int("index", 0))
	log.Info("Debugging loop", zap.Any("options", spec.Options))
	return e.run(ctx, spec, def, 0, log)
}

// signalContext returns a context cancelled by ctx or by the engine signals
func (e *Engine) signalContext(ctx context.Context) (context.Context, func()) {
	flag := shutdown.NewFlag()
	stopSignals := flag.Notify(e.signals...)
	sctx, cancel := flag.Context(ctx)
	return sctx, func() {
		stopSignals()
		cancel()
	}
}

func (e *Engine) resolve(name string) (config.JobSpec, loop.Definition, error) {
	spec, ok, err := e.cfg.Job(name)
	if err != nil {
		return spec, loop.Definition{}, err
	}
	if !ok {
		return spec, loop.Definition{}, fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}
	def, err := e.registry.Resolve(spec.LoopName)
	return spec, def, err
}

// run calls the loop, turning a panic into an error
func (e *Engine) run(ctx context.Context, spec config.JobSpec, def loop.Definition, index int, log *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Loop crashed", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%w: %s #%d: panic: %v", ErrWorkerFailed, spec.Name, index, r)
		}
	}()

	rt := loop.NewRuntime(ctx, spec.Name, index, loop.Options(spec.Options), log)
	if err := def.New().Run(ctx, rt); err != nil {
		log.Error("Loop failed", zap.Error(err))
		return fmt.Errorf("%w: %s #%d: %v", ErrWorkerFailed, spec.Name, index, err)
	}
	log.Debug("Loop finished")
	return nil
}

// Entry describes one configured loop for the list command
// Entry 描述一个已配置的循环，用于 list 命令
type Entry struct {
	Name        string `json:"name" yaml:"name"`
	LoopName    string `json:"loop_name" yaml:"loop_name"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Workers     int    `json:"workers" yaml:"workers"`
	Found       bool   `json:"found" yaml:"found"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// List returns the configured loops sorted by name
// List 返回按名称排序的已配置循环
func (e *Engine) List() ([]Entry, error) {
	jobs, err := e.cfg.Jobs()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(jobs))
	for _, spec := range jobs {
		entry := Entry{
			Name:     spec.Name,
			LoopName: spec.LoopName,
			Enabled:  spec.Enabled,
			Workers:  spec.WorkerCount,
		}
		if def, err := e.registry.Resolve(spec.LoopName); err == nil {
			entry.Found = true
			entry.Description = def.Description
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
