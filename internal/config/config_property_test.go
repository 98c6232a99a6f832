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
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// **Feature: loops, Property 1: Job table parsing**
//
// Property: For any generated loop table, every enabled flag and worker count
// written to the file SHALL be read back unchanged, and jobs come out sorted.
// 属性：对于任意生成的循环表，写入的启用标志与 worker 数量读回后保持不变，且按名称排序。
func TestProperty_JobTable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "loops")
		names := make(map[string]bool)
		want := make(map[string]JobSpec)

		var b strings.Builder
		b.WriteString("loops:\n")
		for i := 0; i < n; i++ {
			name := "loop_" + rapid.StringMatching(`[a-z0-9]{1,8}`).Draw(t, "name")
			if names[name] {
				continue
			}
			names[name] = true

			count := rapid.IntRange(1, 16).Draw(t, "count")
			disabled := rapid.Bool().Draw(t, "disabled")
			key := rapid.SampledFrom([]string{"workers_number", "worker_count"}).Draw(t, "key")

			fmt.Fprintf(&b, "  %s:\n    %s: %d\n    disabled: %t\n", name, key, count, disabled)
			want[name] = JobSpec{Name: name, WorkerCount: count, Enabled: !disabled}
		}

		cfg, err := LoadFromYAML([]byte(b.String()), "/srv/app")
		if err != nil {
			t.Fatalf("Failed to load generated config: %v\n%s", err, b.String())
		}
		jobs, err := cfg.Jobs()
		if err != nil {
			t.Fatalf("Failed to parse jobs: %v\n%s", err, b.String())
		}
		if len(jobs) != len(want) {
			t.Fatalf("Expected %d jobs, got %d", len(want), len(jobs))
		}

		for i, job := range jobs {
			if i > 0 && jobs[i-1].Name >= job.Name {
				t.Fatalf("Jobs are not sorted: %q before %q", jobs[i-1].Name, job.Name)
			}
			w := want[job.Name]
			if job.WorkerCount != w.WorkerCount || job.Enabled != w.Enabled {
				t.Fatalf("Job %s mismatch: got count=%d enabled=%t, want count=%d enabled=%t",
					job.Name, job.WorkerCount, job.Enabled, w.WorkerCount, w.Enabled)
			}
			if job.LoopName != job.Name {
				t.Fatalf("Job %s resolved to loop %q", job.Name, job.LoopName)
			}
		}
	})
}

// **Feature: loops, Property 2: Non-positive worker counts are rejected**
//
// 属性：任何非正数的 worker 数量都会被拒绝。
func TestProperty_RejectsNonPositiveWorkerCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(-1000, 0).Draw(t, "count")
		if _, err := ParseJob("job", map[string]any{"workers_number": count}); err == nil {
			t.Fatalf("Expected worker count %d to be rejected", count)
		}
	})
}
