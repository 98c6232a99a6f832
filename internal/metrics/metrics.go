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

// Package metrics exposes worker lifecycle metrics to Prometheus.
// metrics 包向 Prometheus 暴露 worker 生命周期指标。
//
// Metrics:
//   - loops_worker_starts_total{loop}: worker launches, restarts included
//   - loops_worker_restarts_total{loop}: relaunches of dead workers
//   - loops_worker_start_failures_total{loop}: failed spawns
//   - loops_workers_running{loop}: running workers at the last health check
//   - loops_supervisor_phase: 0 initialized, 1 monitoring, 2 graceful, 3 forced, 4 stopped
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records worker lifecycle metrics on its own registry.
// A nil *Collector is valid and records nothing.
// Collector 在独立的 registry 上记录 worker 生命周期指标，nil 值可安全使用。
type Collector struct {
	registry *prometheus.Registry

	starts        *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	startFailures *prometheus.CounterVec
	running       *prometheus.GaugeVec
	phase         prometheus.Gauge
}

// NewCollector creates a collector with Go runtime and process collectors attached
// NewCollector 创建指标收集器，并附带 Go 运行时与进程指标
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loops_worker_starts_total",
			Help: "Total number of worker launches",
		}, []string{"loop"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loops_worker_restarts_total",
			Help: "Total number of dead workers relaunched by health checks",
		}, []string{"loop"}),
		startFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loops_worker_start_failures_total",
			Help: "Total number of failed worker spawns",
		}, []string{"loop"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loops_workers_running",
			Help: "Number of running workers at the last health check",
		}, []string{"loop"}),
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loops_supervisor_phase",
			Help: "Supervisor phase: 0 initialized, 1 monitoring, 2 graceful, 3 forced, 4 stopped",
		}),
	}

	c.registry.MustRegister(
		c.starts,
		c.restarts,
		c.startFailures,
		c.running,
		c.phase,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// WorkerStarted records a successful launch
func (c *Collector) WorkerStarted(loop string, index, pid int) {
	if c == nil {
		return
	}
	c.starts.WithLabelValues(loop).Inc()
}

// WorkerStartFailed records a failed launch
func (c *Collector) WorkerStartFailed(loop string, index int, err error) {
	if c == nil {
		return
	}
	c.startFailures.WithLabelValues(loop).Inc()
}

// WorkerRestarted records a relaunch by a health check
func (c *Collector) WorkerRestarted(loop string, index int) {
	if c == nil {
		return
	}
	c.restarts.WithLabelValues(loop).Inc()
}

// SetRunning sets the running worker gauge of a loop
func (c *Collector) SetRunning(loop string, n int) {
	if c == nil {
		return
	}
	c.running.WithLabelValues(loop).Set(float64(n))
}

// SetPhase sets the supervisor phase gauge
func (c *Collector) SetPhase(phase int) {
	if c == nil {
		return
	}
	c.phase.Set(float64(phase))
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the collector's metrics
// Handler 返回暴露指标的 HTTP 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
