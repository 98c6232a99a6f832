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

package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seatunnel/loops/internal/config"
	"github.com/seatunnel/loops/internal/daemon"
	"github.com/seatunnel/loops/internal/engine"
)

const testConfig = `
global:
  poll_period: 0.05
  wait_period: 1
  workers_engine: thread
  log_level: debug
loops:
  clock:
    loop_name: time
    period: 0.05
  shell:
    loop_name: command
    command: "true"
    workers_number: 2
    disabled: true
`

// setupRoot writes testConfig under a fresh root directory
func setupRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, config.DefaultConfigPath), []byte(testConfig), 0o644))
	return root
}

// execute runs the command line args and returns its output
func execute(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// TestVersionCommand tests the version command
// TestVersionCommand 测试版本命令
func TestVersionCommand(t *testing.T) {
	out, err := execute(context.Background(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
	assert.Contains(t, out, "Go Version:")
}

// TestRootCommand tests the command tree
// TestRootCommand 测试命令树
func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	assert.Equal(t, "loops", root.Use)

	for _, name := range []string{"start", "monitor", "stop", "debug", "list", "stats", "worker", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	worker, _, err := root.Find([]string{"worker"})
	require.NoError(t, err)
	assert.True(t, worker.Hidden)

	for _, flag := range []string{"root", "config", "env-file", "engine"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestWithoutDetach(t *testing.T) {
	assert.Equal(t,
		[]string{"start", "clock", "--root", "/srv"},
		withoutDetach([]string{"start", "-d", "clock", "--daemonize", "--root", "/srv"}))
}

func TestList(t *testing.T) {
	root := setupRoot(t)

	out, err := execute(context.Background(), "list", "-r", root)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Regexp(t, `clock\s+time\s+true\s+1\s+true`, out)
	assert.Regexp(t, `shell\s+command\s+false\s+2\s+true`, out)

	out, err = execute(context.Background(), "list", "-r", root, "--yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "loop_name: time")
	assert.Contains(t, out, "workers_number: 2")
}

func TestLoadConfig_EngineOverride(t *testing.T) {
	root := setupRoot(t)

	cfg, err := (&options{root: root, engine: "fork"}).loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "fork", cfg.Global.WorkersEngine)

	_, err = (&options{root: root, engine: "bogus"}).loadConfig()
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = (&options{root: t.TempDir()}).loadConfig()
	assert.Error(t, err, "missing config file")
}

func TestMonitor(t *testing.T) {
	root := setupRoot(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := execute(ctx, "monitor", "-r", root)
	require.NoError(t, err)

	logs, err := os.ReadFile(filepath.Join(root, config.DefaultLogger))
	require.NoError(t, err)
	assert.Contains(t, string(logs), "Current time")
	assert.Contains(t, string(logs), "Loops are stopped now")
	assert.NoFileExists(t, filepath.Join(root, config.DefaultPIDFile))
}

func TestStart_PIDFile(t *testing.T) {
	root := setupRoot(t)
	pidFile := filepath.Join(root, config.DefaultPIDFile)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(ctx, "start", "-r", root)
		done <- err
	}()

	require.Eventually(t, func() bool {
		pid, err := daemon.ReadPID(pidFile)
		return err == nil && pid == os.Getpid()
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("start did not return")
	}
	assert.NoFileExists(t, pidFile)
}

func TestStart_AlreadyRunning(t *testing.T) {
	root := setupRoot(t)
	pidFile := filepath.Join(root, "run", "loops.pid")

	other := exec.Command("sleep", "30")
	require.NoError(t, other.Start())
	t.Cleanup(func() {
		_ = other.Process.Kill()
		_ = other.Wait()
	})
	require.NoError(t, os.MkdirAll(filepath.Dir(pidFile), 0o755))
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(other.Process.Pid)), 0o644))

	_, err := execute(context.Background(), "start", "-r", root, "--pid-file", pidFile)
	assert.ErrorIs(t, err, daemon.ErrAlreadyRunning)

	_, err = execute(context.Background(), "start", "-d", "-r", root, "--pid-file", pidFile)
	assert.ErrorIs(t, err, daemon.ErrAlreadyRunning)
}

func TestStop_NotRunning(t *testing.T) {
	root := setupRoot(t)
	_, err := execute(context.Background(), "stop", "-r", root, "--timeout", "1s")
	assert.ErrorIs(t, err, daemon.ErrNotRunning)
}

func TestStats(t *testing.T) {
	root := setupRoot(t)

	_, err := execute(context.Background(), "stats", "-r", root)
	assert.ErrorIs(t, err, daemon.ErrNotRunning)

	require.NoError(t, daemon.WritePID(filepath.Join(root, config.DefaultPIDFile)))
	out, err := execute(context.Background(), "stats", "-r", root)
	require.NoError(t, err)
	assert.Contains(t, out, "RSS(MB)")
	assert.Contains(t, out, strconv.Itoa(os.Getpid()))
}

func TestDebug_UnknownLoop(t *testing.T) {
	root := setupRoot(t)
	_, err := execute(context.Background(), "debug", "nothing", "-r", root)
	assert.ErrorIs(t, err, engine.ErrNotConfigured)

	_, err = execute(context.Background(), "debug", "-r", root)
	assert.Error(t, err, "loop name required")
}

func TestDebug_RunsDisabledLoop(t *testing.T) {
	root := setupRoot(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := execute(ctx, "debug", "shell", "-r", root)
	require.NoError(t, err)
}

func TestWorker_InvalidIndex(t *testing.T) {
	root := setupRoot(t)
	_, err := execute(context.Background(), "worker", "clock", "x", "-r", root)
	assert.ErrorContains(t, err, "invalid worker index")
}
