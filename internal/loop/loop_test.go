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

package loop

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func noopLoop() Loop {
	return Func(func(ctx context.Context, rt *Runtime) error { return nil })
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("time", Definition{New: noopLoop}))
	require.NoError(t, r.Register("command", Definition{New: noopLoop}))

	assert.ErrorIs(t, r.Register("time", Definition{New: noopLoop}), ErrAlreadyRegistered)
	assert.ErrorIs(t, r.Register("", Definition{New: noopLoop}), ErrInvalidName)
	assert.ErrorIs(t, r.Register("nil", Definition{}), ErrInvalidName)

	def, err := r.Resolve("time")
	require.NoError(t, err)
	assert.NotNil(t, def.New())

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, ErrLoopNotFound)

	assert.Equal(t, []string{"command", "time"}, r.Names())
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	r := NewRegistry().MustRegister("time", Definition{New: noopLoop})
	assert.Panics(t, func() { r.MustRegister("time", Definition{New: noopLoop}) })
}

func TestDefinition_CheckAndInit(t *testing.T) {
	var seen Options
	def := Definition{
		New:               noopLoop,
		CheckDependencies: func() error { return errors.New("redis gem missing") },
		Initialize: func(opts Options) error {
			seen = opts
			return errors.New("bad queue")
		},
	}

	assert.ErrorIs(t, def.Check(), ErrDependencyCheck)
	err := def.Init(Options{"queue": "jobs"})
	assert.ErrorIs(t, err, ErrInitialize)
	assert.Equal(t, "jobs", seen["queue"])

	empty := Definition{New: noopLoop}
	assert.NoError(t, empty.Check())
	assert.NoError(t, empty.Init(nil))
}

func TestOptions_Typed(t *testing.T) {
	opts := Options{
		"command":   "echo hi",
		"period":    5,
		"ratio":     "0.5",
		"verbose":   "true",
		"timeout":   "1m30s",
		"interval":  2.5,
		"queues":    []any{"a", "b"},
		"broken":    map[string]any{"x": 1},
		"mixedcase": "lower",
	}

	s, err := opts.String("command", "")
	require.NoError(t, err)
	assert.Equal(t, "echo hi", s)

	n, err := opts.Int("period", 1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = opts.Int("missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	f, err := opts.Float("ratio", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.5, f)

	b, err := opts.Bool("verbose", false)
	require.NoError(t, err)
	assert.True(t, b)

	d, err := opts.Seconds("timeout", 0)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = opts.Seconds("interval", 0)
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, d)

	list, err := opts.StringSlice("queues")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list)

	_, err = opts.Int("broken", 0)
	assert.ErrorIs(t, err, ErrOptionType)
	_, err = opts.Seconds("command", 0)
	assert.ErrorIs(t, err, ErrOptionType)

	_, err = opts.Require("missing")
	assert.ErrorIs(t, err, ErrOptionNotFound)
	_, err = opts.RequireString("missing")
	assert.ErrorIs(t, err, ErrOptionNotFound)

	v, err := opts.Require("MixedCase")
	require.NoError(t, err)
	assert.Equal(t, "lower", v)
	assert.True(t, opts.Has("MIXEDCASE"))
}

// Integers survive being written as strings in YAML.
// 以字符串形式写入的整数可以被正确读取。
func TestProperty_IntFromString(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 1_000_000).Draw(t, "n")
		opts := Options{"workers": strconv.Itoa(n)}

		got, err := opts.Int("workers", 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != n {
			t.Fatalf("got %d, want %d", got, n)
		}
	})
}

func TestRuntime_Accessors(t *testing.T) {
	rt := NewRuntime(context.Background(), "ping", 2, nil, nil)
	assert.Equal(t, "ping", rt.Name())
	assert.Equal(t, 2, rt.Index())
	assert.NotNil(t, rt.Options())
	assert.NotNil(t, rt.Logger())
	assert.False(t, rt.ShuttingDown())
}

func TestRuntime_WithPeriodOfStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := NewRuntime(ctx, "ping", 0, nil, nil)

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- rt.WithPeriodOf(10*time.Millisecond, func(ctx context.Context) error {
			if calls.Add(1) == 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WithPeriodOf should return after cancellation")
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, rt.ShuttingDown())
}

func TestRuntime_WithPeriodOfReturnsError(t *testing.T) {
	rt := NewRuntime(context.Background(), "ping", 0, nil, nil)
	boom := errors.New("boom")
	err := rt.WithPeriodOf(time.Hour, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestRuntime_SleepInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := NewRuntime(ctx, "ping", 0, nil, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	assert.False(t, rt.Sleep(time.Minute))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, rt.Sleep(0))
}
