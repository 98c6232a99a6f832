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
	"os"
	"os/exec"
)

// WorkerCommand builds the command that runs one worker of a loop in a fresh
// process image. The child re-executes exe with args and shows up in ps as
// "loop worker: <name> #<index>".
// WorkerCommand 构造在新进程中运行循环 worker 的命令。
func WorkerCommand(exe, name string, index int, args ...string) *exec.Cmd {
	cmd := exec.Command(exe, args...)
	cmd.Args[0] = Title(name, index)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), EnvWorkerName+"="+name)
	setProcGroupAttr(cmd)
	return cmd
}

// EnvWorkerName is set in the environment of every worker child
// EnvWorkerName 设置在每个 worker 子进程的环境变量中
const EnvWorkerName = "LOOPS_WORKER"
