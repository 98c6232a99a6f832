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

package loop

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/seatunnel/loops/internal/shutdown"
)

// Runtime is the handle a running loop receives
// Runtime 是运行中的循环获得的句柄
type Runtime struct {
	ctx     context.Context
	name    string
	index   int
	options Options
	log     *zap.Logger
}

// NewRuntime creates the handle for worker index of loop name. ctx is the
// worker's cancellation token.
// NewRuntime 为循环 name 的第 index 个 worker 创建句柄，ctx 为其取消信号。
func NewRuntime(ctx context.Context, name string, index int, options Options, log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	if options == nil {
		options = Options{}
	}
	return &Runtime{ctx: ctx, name: name, index: index, options: options, log: log}
}

// Name returns the loop name
func (r *Runtime) Name() string { return r.name }

// Index returns the worker index within its pool
func (r *Runtime) Index() int { return r.index }

// Options returns the loop options
func (r *Runtime) Options() Options { return r.options }

// Logger returns the loop logger
func (r *Runtime) Logger() *zap.Logger { return r.log }

// Context returns the worker cancellation token
func (r *Runtime) Context() context.Context { return r.ctx }

// ShuttingDown reports whether the worker has been asked to stop
// ShuttingDown 返回 worker 是否已被要求停止
func (r *Runtime) ShuttingDown() bool {
	return r.ctx.Err() != nil
}

// Sleep waits for d unless the worker is asked to stop first. It reports
// whether the full duration elapsed.
// Sleep 等待 d，除非 worker 先被要求停止；返回是否完整等待。
func (r *Runtime) Sleep(d time.Duration) bool {
	return shutdown.Sleep(r.ctx, d, nil)
}

// WithPeriodOf calls fn, then sleeps period, until the worker is asked to stop.
// The first error from fn is returned.
// WithPeriodOf 循环执行 fn 并休眠 period，直到 worker 被要求停止。
func (r *Runtime) WithPeriodOf(period time.Duration, fn func(ctx context.Context) error) error {
	for !r.ShuttingDown() {
		if err := fn(r.ctx); err != nil {
			return err
		}
		r.Sleep(period)
	}
	return nil
}
