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

package process

import (
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Stat is a point-in-time resource snapshot of one process
// Stat 是单个进程的资源快照
type Stat struct {
	PID        int       `json:"pid"`
	Title      string    `json:"title"`
	RSS        uint64    `json:"rss"`
	CPUPercent float64   `json:"cpu_percent"`
	Threads    int32     `json:"threads"`
	StartTime  time.Time `json:"start_time"`
}

// Stats collects a snapshot of pid and, recursively, all of its children.
// The root process comes first.
// Stats 收集 pid 及其所有子进程的资源快照，根进程在首位。
func Stats(pid int) ([]Stat, error) {
	if pid <= 0 {
		return nil, ErrInvalidPID
	}

	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAlive, err)
	}

	var stats []Stat
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		stats = append(stats, statOf(p))

		children, err := p.Children()
		if err != nil && !errors.Is(err, process.ErrorNoChildren) {
			continue
		}
		queue = append(queue, children...)
	}
	return stats, nil
}

// statOf fills what it can; gopsutil errors for short-lived children are ignored
func statOf(p *process.Process) Stat {
	s := Stat{PID: int(p.Pid)}

	if args, err := p.CmdlineSlice(); err == nil && len(args) > 0 {
		s.Title = args[0]
	} else if name, err := p.Name(); err == nil {
		s.Title = name
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		s.RSS = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		s.Threads = n
	}
	if ms, err := p.CreateTime(); err == nil {
		s.StartTime = time.UnixMilli(ms)
	}
	return s
}
