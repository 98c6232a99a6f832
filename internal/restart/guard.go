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

// Package restart provides an optional crash-loop guard for worker restarts.
// restart 包提供可选的 worker 崩溃循环保护。
//
// This package provides:
// 此包提供：
// - Restart count limiting within a time window / 时间窗口内的重启次数限制
// - Cooldown period management / 冷却时间管理
// - Restart history tracking / 重启历史跟踪
//
// The guard is disabled unless MaxRestarts > 0; a disabled guard allows every
// restart immediately.
package restart

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default configuration values
// 默认配置值
const (
	DefaultTimeWindow     = 5 * time.Minute  // 默认时间窗口 / Default time window
	DefaultCooldownPeriod = 30 * time.Minute // 默认冷却时间 / Default cooldown period
)

// Config holds the guard configuration
// Config 保存重启保护配置
type Config struct {
	MaxRestarts    int           // 最大重启次数，0 表示不限制 / Max restarts, 0 disables the guard
	TimeWindow     time.Duration // 时间窗口 / Time window
	CooldownPeriod time.Duration // 冷却时间 / Cooldown period
}

// Enabled reports whether the guard limits restarts
func (c Config) Enabled() bool {
	return c.MaxRestarts > 0
}

// History tracks restart history for one worker
// History 跟踪单个 worker 的重启历史
type History struct {
	Key           string      `json:"key"`
	RestartCount  int         `json:"restart_count"`
	LastRestart   time.Time   `json:"last_restart"`
	CooldownUntil time.Time   `json:"cooldown_until"`
	RestartTimes  []time.Time `json:"restart_times"` // 窗口内的重启时间 / Restart times in window
}

// Guard limits restarts per worker key
// Guard 按 worker 键限制重启
type Guard struct {
	config  Config
	history map[string]*History
	log     *zap.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewGuard creates a guard. Zero window and cooldown fall back to defaults.
// NewGuard 创建保护器，窗口和冷却为零时使用默认值。
func NewGuard(config Config, log *zap.Logger) *Guard {
	if config.TimeWindow <= 0 {
		config.TimeWindow = DefaultTimeWindow
	}
	if config.CooldownPeriod <= 0 {
		config.CooldownPeriod = DefaultCooldownPeriod
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		config:  config,
		history: make(map[string]*History),
		log:     log,
		now:     time.Now,
	}
}

// Allow checks if the worker identified by key may be restarted now
// Allow 检查 key 对应的 worker 当前是否允许重启
func (g *Guard) Allow(key string) bool {
	if !g.config.Enabled() {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	history, exists := g.history[key]
	if !exists {
		return true
	}

	now := g.now()

	// In cooldown / 冷却中
	if now.Before(history.CooldownUntil) {
		return false
	}

	// Cooldown passed, start over / 冷却已过，重置计数
	if !history.CooldownUntil.IsZero() {
		g.resetLocked(key)
		return true
	}

	if g.countInWindowLocked(history, now) >= g.config.MaxRestarts {
		history.CooldownUntil = now.Add(g.config.CooldownPeriod)
		g.log.Warn("Worker is crash-looping, pausing restarts",
			zap.String("worker", key),
			zap.Int("max_restarts", g.config.MaxRestarts),
			zap.Duration("window", g.config.TimeWindow),
			zap.Time("cooldown_until", history.CooldownUntil))
		return false
	}
	return true
}

// Record records a restart of the worker identified by key
// Record 记录 key 对应 worker 的一次重启
func (g *Guard) Record(key string) {
	if !g.config.Enabled() {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	history, exists := g.history[key]
	if !exists {
		history = &History{Key: key}
		g.history[key] = history
	}

	history.RestartCount++
	history.LastRestart = now
	history.RestartTimes = append(history.RestartTimes, now)

	// Drop restarts that left the window / 清理窗口外的重启时间
	windowStart := now.Add(-g.config.TimeWindow)
	kept := history.RestartTimes[:0]
	for _, t := range history.RestartTimes {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	history.RestartTimes = kept
}

func (g *Guard) countInWindowLocked(history *History, now time.Time) int {
	windowStart := now.Add(-g.config.TimeWindow)
	n := 0
	for _, t := range history.RestartTimes {
		if t.After(windowStart) {
			n++
		}
	}
	return n
}

// Reset clears the history of key
// Reset 清除 key 的历史
func (g *Guard) Reset(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked(key)
}

// resetLocked must be called with the lock held
func (g *Guard) resetLocked(key string) {
	if history, exists := g.history[key]; exists {
		history.RestartCount = 0
		history.RestartTimes = nil
		history.CooldownUntil = time.Time{}
	}
}

// History returns a copy of the restart history of key, or nil
// History 返回 key 的重启历史副本，不存在时返回 nil
func (g *Guard) History(key string) *History {
	g.mu.Lock()
	defer g.mu.Unlock()

	history, exists := g.history[key]
	if !exists {
		return nil
	}
	cp := *history
	cp.RestartTimes = append([]time.Time(nil), history.RestartTimes...)
	return &cp
}

// InCooldown checks if key is in cooldown
// InCooldown 检查 key 是否在冷却中
func (g *Guard) InCooldown(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if history, exists := g.history[key]; exists {
		return g.now().Before(history.CooldownUntil)
	}
	return false
}
