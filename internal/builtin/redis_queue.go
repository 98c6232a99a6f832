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
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/seatunnel/loops/internal/loop"
)

// DefaultPopTimeout bounds one BRPOP call, and with it how long a worker takes
// to notice shutdown while the queue is empty.
const DefaultPopTimeout = time.Second

// DefaultQueuePrefix is prepended to the loop name when queue_name is unset
const DefaultQueuePrefix = "loops:"

var errNoRedisURL = errors.New("redis_url is required")

type queueSettings struct {
	redis       *redis.Options
	queue       string
	command     string
	shell       string
	maxRequests int
	popTimeout  time.Duration
	timeout     time.Duration
}

func parseRedisQueue(name string, opts loop.Options) (s queueSettings, err error) {
	if s.redis, err = redisOptions(opts); err != nil {
		return s, err
	}
	if s.redis == nil {
		return s, errNoRedisURL
	}
	if s.queue, err = opts.String("queue_name", DefaultQueuePrefix+name); err != nil {
		return s, err
	}
	if s.command, err = opts.RequireString("command"); err != nil {
		return s, err
	}
	if s.shell, err = opts.String("shell", DefaultShell); err != nil {
		return s, err
	}
	if s.maxRequests, err = opts.Int("max_requests", 0); err != nil {
		return s, err
	}
	if s.maxRequests < 0 {
		return s, fmt.Errorf("max_requests must not be negative, got %d", s.maxRequests)
	}
	if s.popTimeout, err = opts.Seconds("pop_timeout", DefaultPopTimeout); err != nil {
		return s, err
	}
	if s.timeout, err = opts.Seconds("timeout", 0); err != nil {
		return s, err
	}
	return s, nil
}

// validateRedisQueue checks the options without a loop name; the queue name
// default does not matter here.
func validateRedisQueue(opts loop.Options) error {
	_, err := parseRedisQueue(RedisQueueLoop, opts)
	return err
}

type redisQueueLoop struct {
	settings  queueSettings
	processed int
}

// Run pops messages until shutdown. After max_requests messages it returns nil
// so the supervisor replaces the worker with a fresh one.
func (l *redisQueueLoop) Run(ctx context.Context, rt *loop.Runtime) error {
	s, err := parseRedisQueue(rt.Name(), rt.Options())
	if err != nil {
		return err
	}
	l.settings = s

	client := redis.NewClient(s.redis)
	defer client.Close()

	log := rt.Logger().With(zap.String("queue", s.queue))
	log.Info("Consuming queue")

	for !rt.ShuttingDown() {
		res, err := client.BRPop(ctx, s.popTimeout, s.queue).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil && rt.ShuttingDown():
			return nil
		case err != nil:
			return fmt.Errorf("failed to pop from %s: %w", s.queue, err)
		}

		// BRPOP replies with [key, value]
		l.handle(ctx, rt, log, res[1])
		l.processed++

		if s.maxRequests > 0 && l.processed >= s.maxRequests {
			log.Info("Processed max requests, exiting", zap.Int("max_requests", s.maxRequests))
			return nil
		}
	}
	return nil
}

func (l *redisQueueLoop) handle(ctx context.Context, rt *loop.Runtime, log *zap.Logger, msg string) {
	if l.settings.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.settings.timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := shellCommand(ctx, rt, l.settings.shell, l.settings.command)
	cmd.Stdin = strings.NewReader(msg)
	out, err := cmd.CombinedOutput()

	fields := []zap.Field{zap.Int("bytes", len(msg)), zap.Duration("duration", time.Since(start))}
	if output := strings.TrimSpace(string(out)); output != "" {
		fields = append(fields, zap.String("output", output))
	}
	if err != nil {
		log.Error("Message handler failed", append(fields, zap.Error(err))...)
		return
	}
	log.Debug("Message handled", fields...)
}
