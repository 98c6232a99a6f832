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

package worker

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/seatunnel/loops/internal/shutdown"
)

// shJob returns a fork-engine job running script under /bin/sh
func shJob(script string) Job {
	return Job{
		Command: func(w *Worker) *exec.Cmd {
			return exec.Command("/bin/sh", "-c", script)
		},
	}
}

// stubbornJob ignores SIGTERM and creates readyFile once the trap is installed
func stubbornJob(readyFile string) Job {
	return shJob(`trap "" TERM; touch "` + readyFile + `"; while :; do sleep 0.1; done`)
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

type recordingObserver struct {
	mu        sync.Mutex
	started   int
	failed    int
	restarted int
}

func (o *recordingObserver) WorkerStarted(string, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) WorkerStartFailed(string, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func (o *recordingObserver) WorkerRestarted(string, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.restarted++
}

func TestParseEngine(t *testing.T) {
	tests := []struct {
		in      string
		want    Engine
		wantErr bool
	}{
		{"fork", EngineFork, false},
		{"thread", EngineThread, false},
		{" Thread ", EngineThread, false},
		{"", EngineFork, false},
		{"fiber", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEngine(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownEngine)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJob_Validate(t *testing.T) {
	assert.ErrorIs(t, Job{}.Validate(EngineFork), ErrNoJob)
	assert.ErrorIs(t, Job{}.Validate(EngineThread), ErrNoJob)
	assert.NoError(t, shJob("true").Validate(EngineFork))
	assert.ErrorIs(t, shJob("true").Validate("green"), ErrUnknownEngine)
}

// Scenario: three fork workers that exit immediately are all relaunched by
// one health check.
func TestPool_RestartsExitedProcessWorkers(t *testing.T) {
	obs := &recordingObserver{}
	pool := NewPool("ping", EngineFork, shJob("exit 0"), Settings{Observer: obs})
	pool.StartWorkers(3)
	require.Len(t, pool.Workers(), 3)

	oldPIDs := make([]int, 3)
	for i, w := range pool.Workers() {
		assert.Equal(t, i, w.Index())
		oldPIDs[i] = w.PID()
		require.NotZero(t, oldPIDs[i])
	}

	require.Eventually(t, func() bool { return pool.WaitWorkers() == 0 }, 5*time.Second, 10*time.Millisecond)

	pool.CheckWorkers()
	for i, w := range pool.Workers() {
		assert.Equal(t, 1, w.Restarts(), "worker %d should have been restarted", i)
		assert.NotEqual(t, oldPIDs[i], w.PID(), "worker %d should have a new handle", i)
	}
	assert.Equal(t, 6, obs.started)
	assert.Equal(t, 3, obs.restarted)
	pool.StopWorkers(true)
}

func TestPool_RestartsFinishedGoroutineWorkers(t *testing.T) {
	var runs sync.WaitGroup
	runs.Add(4)
	job := Job{Run: func(ctx context.Context, w *Worker) error {
		runs.Done()
		return nil
	}}

	pool := NewPool("tick", EngineThread, job, Settings{})
	pool.StartWorkers(2)
	require.Eventually(t, func() bool { return pool.WaitWorkers() == 0 }, 5*time.Second, 5*time.Millisecond)

	pool.CheckWorkers()
	runs.Wait()
	for _, w := range pool.Workers() {
		assert.Equal(t, 1, w.Restarts())
	}
}

func TestPool_NoResurrectionAfterStop(t *testing.T) {
	pool := NewPool("sleepy", EngineFork, shJob("exec sleep 30"), Settings{})
	pool.StartWorkers(2)
	require.Equal(t, 2, pool.WaitWorkers())

	pool.StopWorkers(false)
	require.Eventually(t, func() bool { return pool.WaitWorkers() == 0 }, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		pool.CheckWorkers()
	}
	for _, w := range pool.Workers() {
		assert.True(t, w.StopRequested())
		assert.False(t, w.IsRunning(true))
		assert.Equal(t, 0, w.Restarts())
		assert.Zero(t, w.PID(), "confirmed dead workers forget their handle")
	}
}

func TestPool_NoRestartAfterGlobalShutdown(t *testing.T) {
	flag := shutdown.NewFlag()
	pool := NewPool("ping", EngineFork, shJob("exit 0"), Settings{Shutdown: flag})
	pool.StartWorkers(1)
	require.Eventually(t, func() bool { return pool.WaitWorkers() == 0 }, 5*time.Second, 10*time.Millisecond)

	flag.Trigger()
	pool.CheckWorkers()
	assert.Equal(t, 0, pool.Workers()[0].Restarts())
}

// Scenario: a worker ignoring SIGTERM survives the graceful phase and dies
// under SIGKILL.
func TestPool_GracefulThenForced(t *testing.T) {
	ready := filepath.Join(t.TempDir(), "ready")
	pool := NewPool("stuck", EngineFork, stubbornJob(ready), Settings{})
	pool.StartWorkers(1)
	waitForFile(t, ready)

	pool.StopWorkers(false)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, pool.WaitWorkers())

	pool.StopWorkers(true)
	require.Eventually(t, func() bool { return pool.WaitWorkers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWorker_StartFailureIsRetried(t *testing.T) {
	obs := &recordingObserver{}
	job := Job{Command: func(w *Worker) *exec.Cmd { return exec.Command("/nonexistent/loops-binary") }}
	pool := NewPool("broken", EngineFork, job, Settings{Observer: obs})

	pool.StartWorkers(1)
	w := pool.Workers()[0]
	assert.False(t, w.IsRunning(true))
	assert.Zero(t, w.PID())
	assert.Equal(t, 1, obs.failed)

	pool.CheckWorkers()
	assert.Equal(t, 2, obs.failed)
	assert.Equal(t, 1, w.Restarts())
}

func TestWorker_MissingJobBody(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	w := New("empty", 0, EngineThread, Job{}, Settings{Logger: zap.New(core)})
	w.Start()

	assert.False(t, w.IsRunning(false))
	require.Equal(t, 1, logs.FilterMessage("Failed to start worker").Len())
}

func TestWorker_StartIgnoredAfterStop(t *testing.T) {
	w := New("ping", 0, EngineFork, shJob("exec sleep 30"), Settings{})
	w.Stop(false)
	w.Start()
	assert.False(t, w.IsRunning(false))
	assert.Zero(t, w.PID())
}

func TestWorker_GoroutineCancellation(t *testing.T) {
	job := Job{Run: func(ctx context.Context, w *Worker) error {
		<-ctx.Done()
		return nil
	}}
	w := New("ticker", 0, EngineThread, job, Settings{})
	w.Start()
	require.True(t, w.IsRunning(false))
	assert.Zero(t, w.PID())

	w.Stop(false)
	require.Eventually(t, func() bool { return !w.IsRunning(false) }, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_GoroutinePanicIsContained(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	job := Job{Run: func(ctx context.Context, w *Worker) error {
		panic("boom")
	}}
	w := New("crashy", 0, EngineThread, job, Settings{Logger: zap.New(core)})
	w.Start()

	require.Eventually(t, func() bool { return !w.IsRunning(false) }, 2*time.Second, 5*time.Millisecond)
	crashed := logs.FilterMessage("Worker crashed").All()
	require.Len(t, crashed, 1)
	assert.Equal(t, zapcore.FatalLevel, crashed[0].Level)
	assert.Equal(t, "crashy", crashed[0].ContextMap()["loop"])
}

func TestWorker_GoroutineErrorIsFatal(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	job := Job{Run: func(ctx context.Context, w *Worker) error {
		return errors.New("lost connection")
	}}
	w := New("failing", 0, EngineThread, job, Settings{Logger: zap.New(core)})
	w.Start()

	require.Eventually(t, func() bool { return !w.IsRunning(false) }, 2*time.Second, 5*time.Millisecond)
	failed := logs.FilterMessage("Worker failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.FatalLevel, failed[0].Level)
	assert.Zero(t, logs.FilterMessage("Worker finished").Len())
}

func TestWorker_ForcedStopAbandonsStuckGoroutine(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	core, logs := observer.New(zapcore.ErrorLevel)
	job := Job{Run: func(ctx context.Context, w *Worker) error {
		<-release
		return nil
	}}
	w := New("stuck", 0, EngineThread, job, Settings{Logger: zap.New(core), ForceWait: 50 * time.Millisecond})
	w.Start()

	w.Stop(false)
	assert.True(t, w.IsRunning(false), "graceful stop is cooperative")

	w.Stop(true)
	assert.False(t, w.IsRunning(false))
	assert.Equal(t, 1, logs.FilterMessage("Abandoning worker that ignored cancellation").Len())
}

func TestPool_Status(t *testing.T) {
	pool := NewPool("sleepy", EngineFork, shJob("exec sleep 30"), Settings{})
	pool.StartWorkers(2)
	defer pool.StopWorkers(true)

	st := pool.Status()
	assert.Equal(t, "sleepy", st.Name)
	assert.Equal(t, EngineFork, st.Engine)
	assert.Equal(t, 2, st.Running)
	require.Len(t, st.Workers, 2)
	assert.NotZero(t, st.Workers[1].PID)
	assert.False(t, st.Workers[0].Stopping)
}
