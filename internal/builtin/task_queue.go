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

package builtin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/seatunnel/loops/internal/loop"
)

// Task queue defaults
const (
	DefaultTaskQueue       = "default"
	DefaultTaskConcurrency = 1
	// DefaultTaskShutdown bounds how long in-flight tasks get after shutdown
	DefaultTaskShutdown = 5 * time.Second
)

// EnvTaskType carries the asynq task type to the handler command
const EnvTaskType = "LOOPS_TASK_TYPE"

var errNoCommand = errors.New("command is required")

type taskSettings struct {
	redis       asynq.RedisClientOpt
	queues      map[string]int
	concurrency int
	command     string
	shell       string
	timeout     time.Duration
	shutdown    time.Duration
}

func parseTaskQueue(opts loop.Options) (s taskSettings, err error) {
	ro, err := redisOptions(opts)
	if err != nil {
		return s, err
	}
	if ro == nil {
		return s, errNoRedisURL
	}
	s.redis = asynq.RedisClientOpt{
		Network:  ro.Network,
		Addr:     ro.Addr,
		Username: ro.Username,
		Password: ro.Password,
		DB:       ro.DB,
	}

	names, err := opts.StringSlice("queues")
	if err != nil {
		return s, err
	}
	if len(names) == 0 {
		names = []string{DefaultTaskQueue}
	}
	s.queues = make(map[string]int, len(names))
	for _, q := range names {
		// "name:weight" sets the asynq priority of a queue
		name, weight := q, 1
		if n, w, ok := strings.Cut(q, ":"); ok {
			var err error
			if weight, err = strconv.Atoi(w); err != nil || weight <= 0 {
				return s, fmt.Errorf("invalid queue weight in %q", q)
			}
			name = n
		}
		s.queues[name] = weight
	}

	if s.concurrency, err = opts.Int("concurrency", DefaultTaskConcurrency); err != nil {
		return s, err
	}
	if s.concurrency <= 0 {
		return s, fmt.Errorf("concurrency must be positive, got %d", s.concurrency)
	}
	if s.command, err = opts.String("command", ""); err != nil {
		return s, err
	}
	if s.command == "" {
		return s, errNoCommand
	}
	if s.shell, err = opts.String("shell", DefaultShell); err != nil {
		return s, err
	}
	if s.timeout, err = opts.Seconds("timeout", 0); err != nil {
		return s, err
	}
	if s.shutdown, err = opts.Seconds("shutdown_timeout", DefaultTaskShutdown); err != nil {
		return s, err
	}
	return s, nil
}

func validateTaskQueue(opts loop.Options) error {
	_, err := parseTaskQueue(opts)
	return err
}

// taskQueueLoop runs an asynq server inside the worker. asynq owns retries,
// so a failing handler command only fails the task.
type taskQueueLoop struct{}

func (l *taskQueueLoop) Run(ctx context.Context, rt *loop.Runtime) error {
	s, err := parseTaskQueue(rt.Options())
	if err != nil {
		return err
	}

	log := rt.Logger().With(zap.Any("queues", s.queues))
	srv := asynq.NewServer(s.redis, asynq.Config{
		Concurrency:     s.concurrency,
		Queues:          s.queues,
		ShutdownTimeout: s.shutdown,
		Logger:          log.Sugar(),
		LogLevel:        asynq.WarnLevel,
	})
	if err := srv.Start(s.handler(rt, log)); err != nil {
		return fmt.Errorf("failed to start task server: %w", err)
	}
	log.Info("Consuming tasks", zap.Int("concurrency", s.concurrency))

	<-ctx.Done()
	srv.Shutdown()
	log.Info("Task server stopped")
	return nil
}

// handler pipes the task payload to the command
func (s taskSettings) handler(rt *loop.Runtime, log *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		start := time.Now()
		cmd := shellCommand(ctx, rt, s.shell, s.command)
		cmd.Env = append(cmd.Env, EnvTaskType+"="+t.Type())
		cmd.Stdin = strings.NewReader(string(t.Payload()))
		out, err := cmd.CombinedOutput()

		fields := []zap.Field{
			zap.String("type", t.Type()),
			zap.Int("bytes", len(t.Payload())),
			zap.Duration("duration", time.Since(start)),
		}
		if output := strings.TrimSpace(string(out)); output != "" {
			fields = append(fields, zap.String("output", output))
		}
		if err != nil {
			log.Error("Task handler failed", append(fields, zap.Error(err))...)
			return fmt.Errorf("task %s: %w", t.Type(), err)
		}
		log.Debug("Task handled", fields...)
		return nil
	}
}
