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

// Package process provides the OS process plumbing used by process-engine workers.
// process 包提供进程引擎 worker 使用的操作系统进程工具。
//
// This package provides:
// 此包提供：
// - Worker command construction by re-executing the current binary / 通过重新执行当前二进制构造 worker 命令
// - Non-blocking reaping of exited children / 非阻塞回收已退出的子进程
// - Signal-0 liveness probing / 基于信号 0 的存活探测
// - Graceful (SIGTERM) and forced (SIGKILL) termination / 优雅（SIGTERM）与强制（SIGKILL）终止
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Common errors for process handling
// 进程处理的常见错误
var (
	ErrInvalidPID   = errors.New("process: invalid pid")
	ErrNotAlive     = errors.New("process: not alive")
	ErrStartFailed  = errors.New("process: failed to start")
	ErrNoExecutable = errors.New("process: executable not found")
)

// ExitStatus describes how a reaped child terminated
// ExitStatus 描述已回收子进程的终止方式
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   string
}

// String implements fmt.Stringer
func (s ExitStatus) String() string {
	if s.Signaled {
		return "signal " + s.Signal
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// Title returns the process title of a worker child
// Title 返回 worker 子进程的进程标题
func Title(name string, index int) string {
	return fmt.Sprintf("loop worker: %s #%d", name, index)
}

// Start starts cmd and returns its pid. The child is released from os/exec
// bookkeeping; it must be reaped with Reap.
// Start 启动命令并返回 pid。子进程脱离 os/exec 管理，必须通过 Reap 回收。
//
// cmd.Stdin, cmd.Stdout and cmd.Stderr must be nil or *os.File, since Wait is
// never called and copy goroutines would leak.
func Start(cmd *exec.Cmd) (int, error) {
	if cmd.SysProcAttr == nil {
		setProcGroupAttr(cmd)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	pid := cmd.Process.Pid
	// Release drops the os.Process handle only; the child keeps running.
	_ = cmd.Process.Release()
	return pid, nil
}

// Reap collects pid if it has exited, without blocking.
// exited is false while the child is still running.
// Reap 非阻塞地回收已退出的子进程；子进程仍在运行时 exited 为 false。
//
// An error (typically ECHILD) means pid is not a child of this process or was
// already reaped.
func Reap(pid int) (exited bool, status ExitStatus, err error) {
	if pid <= 0 {
		return false, status, ErrInvalidPID
	}

	var ws unix.WaitStatus
	for {
		wpid, werr := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if werr == unix.EINTR {
			continue
		}
		if werr != nil {
			return false, status, werr
		}
		if wpid == 0 {
			return false, status, nil
		}
		break
	}

	if ws.Signaled() {
		status.Signaled = true
		status.Signal = ws.Signal().String()
	} else {
		status.Code = ws.ExitStatus()
	}
	return true, status, nil
}

// Probe checks whether pid exists by sending signal 0.
// It returns nil if the process is alive.
// Probe 通过发送信号 0 检查进程是否存在，存活时返回 nil。
func Probe(pid int) error {
	if pid <= 0 {
		return ErrInvalidPID
	}
	if err := unix.Kill(pid, 0); err != nil {
		return fmt.Errorf("%w: kill(%d, 0): %v", ErrNotAlive, pid, err)
	}
	return nil
}

// IsAlive reports whether pid exists
// IsAlive 返回进程是否存在
func IsAlive(pid int) bool {
	return Probe(pid) == nil
}

// Terminate sends SIGTERM to pid
// Terminate 向进程发送 SIGTERM
func Terminate(pid int) error {
	return sendSignal(pid, unix.SIGTERM)
}

// Kill sends SIGKILL to pid
// Kill 向进程发送 SIGKILL
func Kill(pid int) error {
	return sendSignal(pid, unix.SIGKILL)
}

// sendSignal sends a signal to a process
// sendSignal 向进程发送信号
func sendSignal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return ErrInvalidPID
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("kill(%d, %s): %w", pid, unix.SignalName(sig), err)
	}
	return nil
}

// Executable returns the absolute path of the running binary
// Executable 返回当前运行二进制的绝对路径
func Executable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoExecutable, err)
	}
	return exe, nil
}
