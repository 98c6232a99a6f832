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

// Package builtin provides the loops shipped with the binary.
// builtin 包提供随二进制发布的内置循环。
//
//   - time: logs the current time every period
//   - command: runs a shell command every period or on a cron schedule,
//     optionally under a Redis lock so only one host runs it at a time
//   - redis_queue: pops messages from a Redis list and pipes each one to a
//     shell command
//   - task_queue: serves asynq tasks, piping each payload to a shell command
package builtin

import (
	"fmt"
	"os/exec"

	"github.com/seatunnel/loops/internal/loop"
)

// Names of the built-in loops
// 内置循环名称
const (
	TimeLoop       = "time"
	CommandLoop    = "command"
	RedisQueueLoop = "redis_queue"
	TaskQueueLoop  = "task_queue"
)

// DefaultShell runs command options
const DefaultShell = "/bin/sh"

// Register adds every built-in loop to r
// Register 将所有内置循环注册到 r
func Register(r *loop.Registry) error {
	defs := map[string]loop.Definition{
		TimeLoop: {
			New:         func() loop.Loop { return &timeLoop{} },
			Initialize:  validateTime,
			Description: "Log the current time every period",
		},
		CommandLoop: {
			New:               func() loop.Loop { return &commandLoop{} },
			CheckDependencies: checkShell,
			Initialize:        validateCommand,
			Description:       "Run a shell command every period or on a cron schedule",
		},
		RedisQueueLoop: {
			New:               func() loop.Loop { return &redisQueueLoop{} },
			CheckDependencies: checkShell,
			Initialize:        validateRedisQueue,
			Description:       "Pipe messages from a Redis list to a shell command",
		},
		TaskQueueLoop: {
			New:               func() loop.Loop { return &taskQueueLoop{} },
			CheckDependencies: checkShell,
			Initialize:        validateTaskQueue,
			Description:       "Serve asynq tasks with a shell command",
		},
	}
	for _, name := range []string{TimeLoop, CommandLoop, RedisQueueLoop, TaskQueueLoop} {
		if err := r.Register(name, defs[name]); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in loops
// NewRegistry 返回包含内置循环的注册表
func NewRegistry() *loop.Registry {
	r := loop.NewRegistry()
	if err := Register(r); err != nil {
		panic(err)
	}
	return r
}

func checkShell() error {
	if _, err := exec.LookPath(DefaultShell); err != nil {
		return fmt.Errorf("shell %s not available: %w", DefaultShell, err)
	}
	return nil
}
