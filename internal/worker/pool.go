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
	"go.uber.org/zap"
)

// Pool owns the workers of one loop
// Pool 管理一个循环的所有 worker
type Pool struct {
	name     string
	engine   Engine
	job      Job
	settings Settings
	log      *zap.Logger
	workers  []*Worker
}

// WorkerStatus is a read-only view of one worker
// WorkerStatus 是单个 worker 的只读视图
type WorkerStatus struct {
	Index    int  `json:"index"`
	PID      int  `json:"pid,omitempty"`
	Running  bool `json:"running"`
	Stopping bool `json:"stopping"`
	Restarts int  `json:"restarts"`
}

// PoolStatus is a read-only view of a pool
// PoolStatus 是池的只读视图
type PoolStatus struct {
	Name     string         `json:"name"`
	Engine   Engine         `json:"engine"`
	Running  int            `json:"running"`
	Restarts int            `json:"restarts"`
	Workers  []WorkerStatus `json:"workers"`
}

// NewPool creates an empty pool
// NewPool 创建一个空池
func NewPool(name string, engine Engine, job Job, settings Settings) *Pool {
	settings = settings.withDefaults()
	return &Pool{
		name:     name,
		engine:   engine,
		job:      job,
		settings: settings,
		log:      settings.Logger.With(zap.String("loop", name)),
	}
}

// Name returns the loop name
func (p *Pool) Name() string { return p.name }

// Workers returns the pool's workers in index order
func (p *Pool) Workers() []*Worker { return p.workers }

// StartWorkers creates count workers with indices 0..count-1 and starts each
// StartWorkers 创建 count 个 worker（索引 0..count-1）并逐个启动
func (p *Pool) StartWorkers(count int) {
	p.log.Debug("Starting workers", zap.Int("count", count), zap.String("engine", string(p.engine)))
	for i := 0; i < count; i++ {
		w := New(p.name, i, p.engine, p.job, p.settings)
		p.workers = append(p.workers, w)
		w.Start()
	}
}

// CheckWorkers restarts every dead worker that is not stopping
// CheckWorkers 重启所有已死亡且未处于停止状态的 worker
func (p *Pool) CheckWorkers() {
	for _, w := range p.workers {
		if w.stopRequested || p.settings.Shutdown.IsSet() {
			continue
		}
		if w.IsRunning(false) {
			continue
		}

		key := w.Key()
		if !p.settings.Policy.Allow(key) {
			p.log.Debug("Restart suppressed by restart policy", zap.Int("index", w.index))
			continue
		}

		p.log.Info("Worker is not running, restarting", zap.Int("index", w.index), zap.Int("last_pid", w.PID()))
		p.settings.Policy.Record(key)
		w.Start()
		p.settings.Observer.WorkerRestarted(p.name, w.index)
	}
}

// WaitWorkers returns how many workers are still running. Stopped workers that
// are confirmed dead forget their handle.
// WaitWorkers 返回仍在运行的 worker 数量；已确认死亡的停止 worker 会丢弃句柄。
func (p *Pool) WaitWorkers() int {
	running := 0
	for _, w := range p.workers {
		if w.IsRunning(false) {
			running++
			p.log.Debug("Worker is still running", zap.Int("index", w.index), zap.Int("pid", w.PID()))
			continue
		}
		w.forget()
	}
	return running
}

// StopWorkers stops every worker. Workers without a live handle are only
// marked as stopping so they are never restarted. Safe to call repeatedly.
// StopWorkers 停止所有 worker；可重复调用。
func (p *Pool) StopWorkers(force bool) {
	for _, w := range p.workers {
		if !w.IsRunning(false) {
			w.stopRequested = true
			continue
		}
		w.Stop(force)
	}
}

// Status returns a snapshot of the pool
// Status 返回池的快照
func (p *Pool) Status() PoolStatus {
	st := PoolStatus{
		Name:    p.name,
		Engine:  p.engine,
		Workers: make([]WorkerStatus, 0, len(p.workers)),
	}
	for _, w := range p.workers {
		running := w.IsRunning(false)
		if running {
			st.Running++
		}
		st.Restarts += w.Restarts()
		st.Workers = append(st.Workers, WorkerStatus{
			Index:    w.index,
			PID:      w.PID(),
			Running:  running,
			Stopping: w.stopRequested,
			Restarts: w.Restarts(),
		})
	}
	return st
}
