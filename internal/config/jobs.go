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

package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// DefaultWorkerCount is used when a loop sets no worker count
const DefaultWorkerCount = 1

// JobSpec is the parsed section of one loop
// JobSpec 是单个循环配置段的解析结果
type JobSpec struct {
	Name        string         `yaml:"name"`
	LoopName    string         `yaml:"loop_name"`
	WorkerCount int            `yaml:"workers_number"`
	Enabled     bool           `yaml:"enabled"`
	WaitPeriod  float64        `yaml:"wait_period,omitempty"`
	Logger      string         `yaml:"logger,omitempty"`
	LogLevel    string         `yaml:"log_level,omitempty"`
	Options     map[string]any `yaml:"options,omitempty"`
}

// Jobs parses every loop section, sorted by name
// Jobs 解析所有循环配置段，按名称排序
func (c *Config) Jobs() ([]JobSpec, error) {
	names := make([]string, 0, len(c.Loops))
	for name := range c.Loops {
		names = append(names, name)
	}
	sort.Strings(names)

	jobs := make([]JobSpec, 0, len(names))
	for _, name := range names {
		job, err := ParseJob(name, c.Loops[name])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Job returns the spec of one loop
func (c *Config) Job(name string) (JobSpec, bool, error) {
	raw, ok := c.Loops[strings.ToLower(name)]
	if !ok {
		return JobSpec{}, false, nil
	}
	job, err := ParseJob(strings.ToLower(name), raw)
	return job, true, err
}

// ParseJob builds a JobSpec from a raw loop section. The whole section is kept
// as the loop options.
// ParseJob 从原始配置段构建 JobSpec，整个配置段作为循环选项保留。
func ParseJob(name string, raw map[string]any) (JobSpec, error) {
	job := JobSpec{
		Name:        name,
		LoopName:    name,
		WorkerCount: DefaultWorkerCount,
		Enabled:     true,
		Options:     make(map[string]any, len(raw)),
	}
	for k, v := range raw {
		job.Options[k] = v
	}

	var err error
	if v, ok := raw["loop_name"]; ok && v != nil {
		if job.LoopName, err = cast.ToStringE(v); err != nil || job.LoopName == "" {
			return job, invalidJob(name, "loop_name", v)
		}
	}

	for _, key := range []string{"workers_number", "worker_count"} {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if job.WorkerCount, err = cast.ToIntE(v); err != nil || job.WorkerCount <= 0 {
			return job, invalidJob(name, key, v)
		}
		break
	}

	if v, ok := raw["disabled"]; ok && v != nil {
		disabled, err := cast.ToBoolE(v)
		if err != nil {
			return job, invalidJob(name, "disabled", v)
		}
		job.Enabled = !disabled
	}
	if v, ok := raw["enabled"]; ok && v != nil && job.Enabled {
		if job.Enabled, err = cast.ToBoolE(v); err != nil {
			return job, invalidJob(name, "enabled", v)
		}
	}

	if v, ok := raw["wait_period"]; ok && v != nil {
		if job.WaitPeriod, err = cast.ToFloat64E(v); err != nil || job.WaitPeriod < 0 {
			return job, invalidJob(name, "wait_period", v)
		}
	}

	if v, ok := raw["logger"]; ok && v != nil {
		job.Logger = cast.ToString(v)
	}
	if v, ok := raw["log_level"]; ok && v != nil {
		job.LogLevel = cast.ToString(v)
		if err := validateLevel("loops."+name+".log_level", job.LogLevel); err != nil {
			return job, err
		}
	}
	return job, nil
}

func invalidJob(name, key string, v any) error {
	return fmt.Errorf("%w: loops.%s.%s has invalid value %v", ErrInvalidConfig, name, key, v)
}
