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

package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/seatunnel/loops/internal/process"
)

// handle is the engine-specific execution unit behind a Worker
type handle interface {
	pid() int
	alive(verbose bool) bool
	stop(force bool) error
}

// procHandle is a child process started from Job.Command
type procHandle struct {
	id     int
	exited bool
	status process.ExitStatus
	log    *zap.Logger
}

func startProcess(w *Worker) (*procHandle, error) {
	pid, err := process.Start(w.job.Command(w))
	if err != nil {
		return nil, err
	}
	return &procHandle{id: pid, log: w.log}, nil
}

func (h *procHandle) pid() int { return h.id }

func (h *procHandle) alive(verbose bool) bool {
	if h.exited {
		return false
	}

	exited, status, err := process.Reap(h.id)
	if exited {
		h.exited = true
		h.status = status
		h.log.Info("Worker exited", zap.Int("pid", h.id), zap.Stringer("status", status))
		return false
	}
	if err != nil && verbose {
		h.log.Debug("Wait failed", zap.Int("pid", h.id), zap.Error(err))
	}

	if err := process.Probe(h.id); err != nil {
		if verbose {
			h.log.Debug("Worker is not alive", zap.Int("pid", h.id), zap.Error(err))
		}
		return false
	}
	return true
}

func (h *procHandle) stop(force bool) error {
	if h.exited {
		return nil
	}
	if force {
		return process.Kill(h.id)
	}
	return process.Terminate(h.id)
}

// goHandle is a goroutine running Job.Run
type goHandle struct {
	cancel    context.CancelFunc
	done      chan struct{}
	forceWait time.Duration
}

func startGoroutine(w *Worker) *goHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &goHandle{
		cancel:    cancel,
		done:      make(chan struct{}),
		forceWait: w.settings.ForceWait,
	}
	go runGoroutine(ctx, w, h.done)
	return h
}

// runGoroutine is the top-level wrapper of a thread-engine worker. A panic or
// error is logged at fatal level with a Goexit hook, so only this goroutine
// ends.
func runGoroutine(ctx context.Context, w *Worker, done chan<- struct{}) {
	log := w.log
	fatal := log.WithOptions(zap.WithFatalHook(zapcore.WriteThenGoexit))

	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			fatal.Fatal("Worker crashed", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	if err := w.job.Run(ctx, w); err != nil {
		fatal.Fatal("Worker failed", zap.Error(err))
	}
	log.Info("Worker finished")
}

func (h *goHandle) pid() int { return 0 }

func (h *goHandle) alive(bool) bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *goHandle) stop(force bool) error {
	h.cancel()
	if !force {
		return nil
	}

	timer := time.NewTimer(h.forceWait)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		return errAbandoned
	}
}
