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

// Package shutdown provides the one-shot shutdown flag shared between signal
// handling and the supervisor, and the interruptible wait used by every loop.
// shutdown 包提供信号处理与监管器共享的一次性关闭标志，以及所有循环共用的可中断等待。
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"
)

// Flag is a monotonic shutdown flag. Once set it never resets.
// Flag 是单调的关闭标志，一旦设置永不重置。
//
// Trigger is safe to call from any goroutine, any number of times.
type Flag struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
}

// NewFlag creates an unset flag
// NewFlag 创建一个未设置的标志
func NewFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Trigger sets the flag. It reports whether this call was the one that set it.
// Trigger 设置标志，返回本次调用是否为首次设置。
func (f *Flag) Trigger() bool {
	first := false
	f.once.Do(func() {
		f.set.Store(true)
		close(f.done)
		first = true
	})
	return first
}

// IsSet reports whether shutdown was requested
// IsSet 返回是否已请求关闭
func (f *Flag) IsSet() bool {
	return f.set.Load()
}

// Done returns a channel closed when the flag is set
// Done 返回在标志设置时关闭的通道
func (f *Flag) Done() <-chan struct{} {
	return f.done
}

// Sleep waits for d or until the flag is set.
// It returns true if the full duration elapsed.
func (f *Flag) Sleep(d time.Duration) bool {
	return Sleep(context.Background(), d, f.done)
}

// Context returns a context cancelled when the flag is set or parent is done.
// Context 返回在标志设置或父 context 结束时取消的 context。
func (f *Flag) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-f.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Notify triggers the flag when one of sigs arrives. The returned function
// stops signal delivery.
// Notify 在收到任一信号时触发标志，返回的函数用于停止信号监听。
func (f *Flag) Notify(sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				// Only flip the flag here; logging happens on the monitor side.
				f.Trigger()
			case <-quit:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}

// Sleep blocks for d, returning early when ctx is done or stop is closed.
// It returns true only if the full duration elapsed. A nil stop channel is
// never ready.
// Sleep 阻塞 d 时长，ctx 结束或 stop 关闭时提前返回；仅在完整等待后返回 true。
func Sleep(ctx context.Context, d time.Duration, stop <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
