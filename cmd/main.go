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

// Package main is the entry point of the loops supervisor.
// main 包是 loops 监管器的入口点。
//
// loops runs a set of named, endlessly repeating jobs ("loops") in supervised
// worker processes or goroutines:
// loops 在受监管的 worker 进程或 goroutine 中运行一组命名的循环任务：
// - Restarts dead workers / 重启已死亡的 worker
// - Stops gracefully on SIGINT/SIGTERM, then forcefully / 收到信号后先优雅再强制停止
// - Optionally detaches and keeps a pid file / 可选后台运行并维护 pid 文件
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/seatunnel/loops/internal/builtin"
	"github.com/seatunnel/loops/internal/config"
	"github.com/seatunnel/loops/internal/daemon"
	"github.com/seatunnel/loops/internal/engine"
	"github.com/seatunnel/loops/internal/logger"
	"github.com/seatunnel/loops/internal/process"
)

// Version information, set at build time
// 版本信息，在构建时设置
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultStopTimeout bounds how long stop waits for the supervisor to exit
const DefaultStopTimeout = time.Minute

// options holds the flag values shared by all commands
// options 保存所有命令共享的标志值
type options struct {
	root    string
	config  string
	envFile string
	engine  string
	pidFile string
}

// loadConfig loads and validates the configuration, applying the --engine override
// loadConfig 加载并验证配置，并应用 --engine 覆盖
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{
		Root:    o.root,
		File:    o.config,
		EnvFile: o.envFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.engine != "" {
		cfg.Global.WorkersEngine = o.engine
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// pidPath returns the pid file from the flag or the config
func (o *options) pidPath(cfg *config.Config) string {
	if o.pidFile != "" {
		return o.pidFile
	}
	return cfg.Path(cfg.Global.PIDFile)
}

// newEngine builds the engine with the built-in loops and the configured loggers
// newEngine 使用内置循环与配置的日志器构建引擎
func newEngine(cfg *config.Config) (*engine.Engine, *logger.Factory, error) {
	g := cfg.Global
	loggers := logger.NewFactory(logger.Config{
		Output:         cfg.Path(g.Logger),
		Level:          g.LogLevel,
		Colorful:       g.ColorfulLogs,
		WriteToConsole: g.WriteToConsole,
		MaxSize:        g.LogMaxSize,
		MaxBackups:     g.LogMaxBackups,
		MaxAge:         g.LogMaxAge,
	})

	e, err := engine.New(cfg, builtin.NewRegistry(), loggers)
	if err != nil {
		_ = loggers.Close()
		return nil, nil, err
	}
	return e, loggers, nil
}

// run starts the engine in the foreground until it stops
func run(ctx context.Context, cfg *config.Config, only []string) error {
	e, loggers, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer loggers.Close()

	e.Logger().Info("Starting loops", zap.String("version", Version), zap.Stringer("config", cfg))
	return e.Start(ctx, only)
}

// newRootCmd builds the command tree
// newRootCmd 构建命令树
func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "loops",
		Short: "Loops - supervised multi-worker loop runner",
		Long: `Loops runs named, endlessly repeating jobs in supervised worker processes.
Loops 在受监管的 worker 进程中运行命名的循环任务。

Dead workers are restarted; SIGINT or SIGTERM stops every worker gracefully
and kills whatever is left after the wait period.
已死亡的 worker 会被重启；收到 SIGINT 或 SIGTERM 时优雅停止，超时后强制结束。`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.root, "root", "r", ".", "root directory relative paths are resolved against")
	flags.StringVarP(&opts.config, "config", "c", "", "config file path (default: <root>/"+config.DefaultConfigPath+")")
	flags.StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before the config (default: <root>/"+config.DefaultEnvFile+")")
	flags.StringVar(&opts.engine, "engine", "", "override global.workers_engine (fork or thread)")

	rootCmd.AddCommand(
		newStartCmd(opts),
		newMonitorCmd(opts),
		newStopCmd(opts),
		newDebugCmd(opts),
		newListCmd(opts),
		newStatsCmd(opts),
		newWorkerCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// newStartCmd starts the supervisor, optionally in the background
// newStartCmd 启动监管器，可选后台运行
func newStartCmd(opts *options) *cobra.Command {
	var detach bool

	cmd := &cobra.Command{
		Use:   "start [loops...]",
		Short: "Start loops and keep a pid file / 启动循环并维护 pid 文件",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			pidFile := opts.pidPath(cfg)

			if detach && !daemon.IsDaemonized() {
				if pid, running, err := daemon.CheckPID(pidFile); err != nil {
					return err
				} else if running {
					return fmt.Errorf("%w: pid %d", daemon.ErrAlreadyRunning, pid)
				}
				exe, err := process.Executable()
				if err != nil {
					return err
				}
				pid, err := daemon.Daemonize(exe, withoutDetach(os.Args[1:]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Loops started in background, pid %d\n", pid)
				return nil
			}

			if err := daemon.WritePID(pidFile); err != nil {
				return err
			}
			defer daemon.RemovePID(pidFile)

			return run(cmd.Context(), cfg, args)
		},
	}
	cmd.Flags().BoolVarP(&detach, "daemonize", "d", false, "run in the background")
	cmd.Flags().StringVar(&opts.pidFile, "pid-file", "", "pid file path (default: global.pid_file)")
	return cmd
}

// withoutDetach drops the daemonize flag from args
func withoutDetach(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch a {
		case "-d", "--daemonize", "--daemonize=true":
			continue
		}
		out = append(out, a)
	}
	return out
}

func newMonitorCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor [loops...]",
		Short: "Start loops in the foreground without a pid file / 前台启动循环，不写 pid 文件",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, args)
		},
	}
}

// newStopCmd stops a running supervisor through its pid file
// newStopCmd 通过 pid 文件停止运行中的监管器
func newStopCmd(opts *options) *cobra.Command {
	var (
		timeout time.Duration
		kill    bool
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running supervisor / 停止运行中的监管器",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pid, err := daemon.Stop(ctx, opts.pidPath(cfg), daemon.DefaultStopPoll)
			switch {
			case err == nil:
				fmt.Fprintf(cmd.OutOrStdout(), "Loops stopped, pid %d\n", pid)
				return nil
			case errors.Is(err, daemon.ErrStillRunning) && kill:
				if err := process.Kill(pid); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Loops killed, pid %d\n", pid)
				return nil
			default:
				return err
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", DefaultStopTimeout, "how long to wait for the supervisor to exit")
	cmd.Flags().BoolVar(&kill, "kill", false, "send SIGKILL when the timeout expires")
	cmd.Flags().StringVar(&opts.pidFile, "pid-file", "", "pid file path (default: global.pid_file)")
	return cmd
}

func newDebugCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "debug <loop>",
		Short: "Run one loop instance in the foreground / 前台运行单个循环实例",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			e, loggers, err := newEngine(cfg)
			if err != nil {
				return err
			}
			defer loggers.Close()
			return e.DebugLoop(cmd.Context(), args[0])
		},
	}
}

// newListCmd prints the configured loops
// newListCmd 打印已配置的循环
func newListCmd(opts *options) *cobra.Command {
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured loops / 列出已配置的循环",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if asYAML {
				jobs, err := cfg.Jobs()
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(jobs)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}

			e, loggers, err := newEngine(cfg)
			if err != nil {
				return err
			}
			defer loggers.Close()
			entries, err := e.List()
			if err != nil {
				return err
			}

			t := newTable(cmd.OutOrStdout())
			t.AddHeader("NAME", "LOOP", "ENABLED", "WORKERS", "FOUND", "DESCRIPTION")
			for _, en := range entries {
				t.AddLine(en.Name, en.LoopName, en.Enabled, en.Workers, en.Found, en.Description)
			}
			t.Print()
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print the parsed loop table as YAML")
	return cmd
}

// newStatsCmd prints resource usage of the supervisor and its workers
// newStatsCmd 打印监管器及其 worker 的资源使用情况
func newStatsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show CPU and memory of the running supervisor / 显示监管器的 CPU 与内存",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			pidFile := opts.pidPath(cfg)
			pid, running, err := daemon.CheckPID(pidFile)
			if err != nil {
				return err
			}
			if !running {
				return fmt.Errorf("%w: %s", daemon.ErrNotRunning, pidFile)
			}

			stats, err := process.Stats(pid)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.pidFile, "pid-file", "", "pid file path (default: global.pid_file)")
	return cmd
}

func printStats(w io.Writer, stats []process.Stat) {
	t := newTable(w)
	t.AddHeader("PID", "TITLE", "CPU%", "RSS(MB)", "THREADS", "STARTED")
	for _, s := range stats {
		started := ""
		if !s.StartTime.IsZero() {
			started = s.StartTime.Format(time.DateTime)
		}
		t.AddLine(s.PID, s.Title, fmt.Sprintf("%.1f", s.CPUPercent),
			fmt.Sprintf("%.1f", float64(s.RSS)/(1<<20)), s.Threads, started)
	}
	t.Print()
}

func newTable(w io.Writer) *tabby.Tabby {
	return tabby.NewCustom(tabwriter.NewWriter(w, 0, 0, 2, ' ', 0))
}

// newWorkerCmd is the entry point of fork-engine children. A failing loop
// ends the process with a fatal log entry and a non-zero exit status.
// newWorkerCmd 是 fork 子进程的入口；循环失败时记录 fatal 日志并以非零状态退出。
func newWorkerCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:    "worker <loop> <index>",
		Short:  "Run one worker of a loop (internal)",
		Hidden: true,
		Args:   cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := cast.ToIntE(args[1])
			if err != nil || index < 0 {
				return fmt.Errorf("invalid worker index %q", args[1])
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			e, loggers, err := newEngine(cfg)
			if err != nil {
				return err
			}
			defer loggers.Close()

			if err := e.RunWorker(cmd.Context(), args[0], index); err != nil {
				e.Logger().Fatal("Worker exited with error",
					zap.String("loop", args[0]), zap.Int("index", index), zap.Error(err))
			}
			return nil
		},
	}
}

// newVersionCmd shows version information
// newVersionCmd 显示版本信息
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information / 打印版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Loops\n")
			fmt.Fprintf(out, "  Version:    %s\n", Version)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Go Version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
