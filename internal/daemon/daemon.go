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

// Package daemon keeps the pid file of a supervisor and detaches it from the
// terminal.
// daemon 包维护监管器的 pid 文件，并使其脱离终端运行。
//
// A running Go program cannot fork safely, so detaching re-executes the binary
// in a new session with the marker variable LOOPS_DAEMONIZED=1.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/seatunnel/loops/internal/process"
)

// EnvDaemonized marks a process started by Daemonize
const EnvDaemonized = "LOOPS_DAEMONIZED"

// DefaultStopPoll is how often Stop checks whether the process is gone
const DefaultStopPoll = 500 * time.Millisecond

// Common errors for pid file handling
// pid 文件处理的常见错误
var (
	ErrAlreadyRunning = errors.New("daemon: already running")
	ErrNotRunning     = errors.New("daemon: not running")
	ErrStillRunning   = errors.New("daemon: still running")
	ErrInvalidPIDFile = errors.New("daemon: invalid pid file")
)

// ReadPID reads the pid stored in path
// ReadPID 读取 path 中保存的 pid
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPIDFile, path)
	}
	return pid, nil
}

// CheckPID reports the pid in path and whether that process is alive. A pid
// file naming a dead process is removed.
// CheckPID 返回 path 中的 pid 及其是否存活；指向已死亡进程的 pid 文件会被删除。
func CheckPID(path string) (pid int, running bool, err error) {
	pid, err = ReadPID(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return 0, false, nil
	case errors.Is(err, ErrInvalidPIDFile):
		return 0, false, os.Remove(path)
	case err != nil:
		return 0, false, err
	}

	if process.IsAlive(pid) {
		return pid, true, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return pid, false, err
	}
	return pid, false, nil
}

// WritePID writes the current pid to path. It fails with ErrAlreadyRunning if
// path names another live process.
// WritePID 将当前 pid 写入 path；若 path 指向另一个存活进程则返回 ErrAlreadyRunning。
func WritePID(path string) error {
	pid, running, err := CheckPID(path)
	if err != nil {
		return fmt.Errorf("failed to check pid file: %w", err)
	}
	if running && pid != os.Getpid() {
		return fmt.Errorf("%w: pid %d (%s)", ErrAlreadyRunning, pid, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// RemovePID removes path if it holds the current pid
// RemovePID 在 path 保存的是当前 pid 时删除它
func RemovePID(path string) error {
	pid, err := ReadPID(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}

// IsDaemonized reports whether this process was started by Daemonize
func IsDaemonized() bool {
	return os.Getenv(EnvDaemonized) == "1"
}

// Daemonize starts exe with args in a new session, stdio bound to /dev/null,
// and returns its pid. The caller is expected to exit afterwards.
// Daemonize 在新会话中启动 exe（标准输入输出指向 /dev/null）并返回其 pid，调用方随后应退出。
func Daemonize(exe string, args []string) (int, error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.Env = append(os.Environ(), EnvDaemonized+"=1")
	if wd, err := os.Getwd(); err == nil {
		cmd.Dir = wd
	}
	process.SetSessionAttr(cmd)

	return process.Start(cmd)
}

// Stop sends SIGTERM to the process named by pidFile and waits until it is
// gone. It returns ErrStillRunning if ctx ends first; the caller may then
// escalate with process.Kill.
// Stop 向 pid 文件中的进程发送 SIGTERM 并等待其退出；ctx 先结束时返回 ErrStillRunning。
func Stop(ctx context.Context, pidFile string, poll time.Duration) (int, error) {
	if poll <= 0 {
		poll = DefaultStopPoll
	}

	pid, running, err := CheckPID(pidFile)
	if err != nil {
		return pid, err
	}
	if !running {
		return pid, fmt.Errorf("%w: %s", ErrNotRunning, pidFile)
	}

	if err := process.Terminate(pid); err != nil {
		return pid, fmt.Errorf("failed to stop pid %d: %w", pid, err)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for process.IsAlive(pid) {
		select {
		case <-ctx.Done():
			return pid, fmt.Errorf("%w: pid %d: %v", ErrStillRunning, pid, ctx.Err())
		case <-ticker.C:
		}
	}
	return pid, nil
}
