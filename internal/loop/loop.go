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

// Package loop defines the contract between the engine and user loops.
// loop 包定义引擎与用户循环之间的契约。
//
// A loop is registered under a name with a Definition. The engine creates a new
// Loop instance for every worker run and hands it a Runtime carrying the loop's
// name, worker index, options, logger and cancellation.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Common errors for loop resolution
// 循环解析的常见错误
var (
	ErrLoopNotFound      = errors.New("loop: not found")
	ErrDependencyCheck   = errors.New("loop: dependency check failed")
	ErrInitialize        = errors.New("loop: initialization failed")
	ErrInvalidName       = errors.New("loop: invalid name")
	ErrAlreadyRegistered = errors.New("loop: already registered")
)

// Loop is the body of a worker. Run should return once rt.Context() is done;
// returning nil ends the worker normally, and the supervisor starts it again.
// Loop 是 worker 的执行体；Run 应在 rt.Context() 结束后返回。
type Loop interface {
	Run(ctx context.Context, rt *Runtime) error
}

// Func adapts a function to Loop
type Func func(ctx context.Context, rt *Runtime) error

// Run calls f
func (f Func) Run(ctx context.Context, rt *Runtime) error {
	return f(ctx, rt)
}

// Definition describes how to build and prepare a loop
// Definition 描述如何构建和准备一个循环
type Definition struct {
	// New returns a fresh Loop for one worker run.
	New func() Loop
	// CheckDependencies is called once before any worker starts. Optional.
	CheckDependencies func() error
	// Initialize is called with the loop options before workers start, and
	// again inside every worker process. Optional.
	Initialize func(opts Options) error
	// Description is shown by the list command.
	Description string
}

// Check runs the optional dependency check
func (d Definition) Check() error {
	if d.CheckDependencies == nil {
		return nil
	}
	if err := d.CheckDependencies(); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyCheck, err)
	}
	return nil
}

// Init runs the optional initializer
func (d Definition) Init(opts Options) error {
	if d.Initialize == nil {
		return nil
	}
	if err := d.Initialize(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInitialize, err)
	}
	return nil
}

// Registry maps loop names to definitions
// Registry 将循环名映射到定义
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition under name
// Register 以 name 注册一个定义
func (r *Registry) Register(name string, def Definition) error {
	if name == "" || def.New == nil {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.defs[name] = def
	return nil
}

// MustRegister is like Register but panics on error. Registration happens at
// startup, where a bad name is a programming error.
func (r *Registry) MustRegister(name string, def Definition) *Registry {
	if err := r.Register(name, def); err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the definition registered under name
// Resolve 返回 name 对应的定义
func (r *Registry) Resolve(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrLoopNotFound, name)
	}
	return def, nil
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
