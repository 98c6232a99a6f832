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
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/seatunnel/loops/internal/loop"
)

// Defaults of the command loop
// command 循环的默认值
const (
	DefaultCommandPeriod = time.Minute
	DefaultLockTTL       = time.Minute
)

// Environment passed to every command
const (
	EnvLoopName    = "LOOPS_LOOP"
	EnvWorkerIndex = "LOOPS_WORKER_INDEX"
)

var errLockWithoutRedis = errors.New("lock_key requires redis_url")

type commandSettings struct {
	command  string
	shell    string
	period   time.Duration
	schedule cron.Schedule
	timeout  time.Duration
	lockKey  string
	lockTTL  time.Duration
	redis    *redis.Options
}

func parseCommand(opts loop.Options) (s commandSettings, err error) {
	if s.command, err = opts.RequireString("command"); err != nil {
		return s, err
	}
	if s.shell, err = opts.String("shell", DefaultShell); err != nil {
		return s, err
	}
	if s.period, err = opts.Seconds("period", DefaultCommandPeriod); err != nil {
		return s, err
	}
	if s.timeout, err = opts.Seconds("timeout", 0); err != nil {
		return s, err
	}

	spec, err := opts.String("schedule", "")
	if err != nil {
		return s, err
	}
	if spec != "" {
		if s.schedule, err = cron.ParseStandard(spec); err != nil {
			return s, fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
	}

	if s.lockKey, err = opts.String("lock_key", ""); err != nil {
		return s, err
	}
	if s.lockTTL, err = opts.Seconds("lock_ttl", DefaultLockTTL); err != nil {
		return s, err
	}
	if s.lockKey != "" {
		if s.redis, err = redisOptions(opts); err != nil {
			return s, err
		}
		if s.redis == nil {
			return s, errLockWithoutRedis
		}
	}
	return s, nil
}

func validateCommand(opts loop.Options) error {
	_, err := parseCommand(opts)
	return err
}

// redisOptions parses redis_url; nil without error when unset
func redisOptions(opts loop.Options) (*redis.Options, error) {
	url, err := opts.String("redis_url", "")
	if err != nil || url == "" {
		return nil, err
	}
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return o, nil
}

type commandLoop struct {
	settings commandSettings
	locker   *Locker
	owner    string
}

func (l *commandLoop) Run(ctx context.Context, rt *loop.Runtime) error {
	s, err := parseCommand(rt.Options())
	if err != nil {
		return err
	}
	l.settings = s

	if s.lockKey != "" {
		client := redis.NewClient(s.redis)
		defer client.Close()
		l.locker = NewLocker(client, rt.Logger())
		l.owner = ownerID(rt)
	}

	if s.schedule == nil {
		return rt.WithPeriodOf(s.period, func(ctx context.Context) error {
			l.runOnce(ctx, rt)
			return nil
		})
	}

	for !rt.ShuttingDown() {
		next := s.schedule.Next(time.Now())
		rt.Logger().Debug("Waiting for next run", zap.Time("next", next))
		if !rt.Sleep(time.Until(next)) {
			break
		}
		l.runOnce(ctx, rt)
	}
	return nil
}

// runOnce runs the command, under the lock when one is configured. Command
// failures are logged; they never end the worker.
func (l *commandLoop) runOnce(ctx context.Context, rt *loop.Runtime) {
	if l.locker == nil {
		l.exec(ctx, rt)
		return
	}

	ran, err := l.locker.WithLock(ctx, []string{l.settings.lockKey}, l.owner, l.settings.lockTTL,
		func(ctx context.Context, _ string) error {
			l.exec(ctx, rt)
			return nil
		})
	switch {
	case err != nil:
		rt.Logger().Error("Failed to take command lock", zap.String("lock_key", l.settings.lockKey), zap.Error(err))
	case !ran:
		rt.Logger().Debug("Command lock held elsewhere, skipping run", zap.String("lock_key", l.settings.lockKey))
	}
}

func (l *commandLoop) exec(ctx context.Context, rt *loop.Runtime) {
	if l.settings.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.settings.timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := shellCommand(ctx, rt, l.settings.shell, l.settings.command)
	out, err := cmd.CombinedOutput()

	fields := []zap.Field{
		zap.String("command", l.settings.command),
		zap.Duration("duration", time.Since(start)),
	}
	if output := strings.TrimSpace(string(out)); output != "" {
		fields = append(fields, zap.String("output", output))
	}
	if err != nil {
		rt.Logger().Error("Command failed", append(fields, zap.Error(err))...)
		return
	}
	rt.Logger().Info("Command finished", fields...)
}

// shellCommand builds "<shell> -c <command>" with the loop identity in its
// environment
func shellCommand(ctx context.Context, rt *loop.Runtime, shell, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Env = append(os.Environ(),
		EnvLoopName+"="+rt.Name(),
		EnvWorkerIndex+"="+strconv.Itoa(rt.Index()),
	)
	cmd.WaitDelay = time.Second
	return cmd
}

func ownerID(rt *loop.Runtime) string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s:%d:%s#%d", host, os.Getpid(), rt.Name(), rt.Index())
}
