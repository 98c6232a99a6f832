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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Option errors
// 选项错误
var (
	ErrOptionNotFound = errors.New("loop: option not found")
	ErrOptionType     = errors.New("loop: option has wrong type")
)

// Options are the opaque per-loop settings from the configuration file.
// Keys are case-insensitive.
// Options 是配置文件中每个循环的不透明设置，键不区分大小写。
type Options map[string]any

// Get returns the raw value of key
func (o Options) Get(key string) (any, bool) {
	if v, ok := o[key]; ok {
		return v, true
	}
	v, ok := o[strings.ToLower(key)]
	return v, ok
}

// Has reports whether key is set
func (o Options) Has(key string) bool {
	_, ok := o.Get(key)
	return ok
}

// Require returns the raw value of key or ErrOptionNotFound
// Require 返回 key 的原始值，不存在时返回 ErrOptionNotFound
func (o Options) Require(key string) (any, error) {
	v, ok := o.Get(key)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s", ErrOptionNotFound, key)
	}
	return v, nil
}

// String returns key as a string, or def when unset
func (o Options) String(key, def string) (string, error) {
	v, ok := o.Get(key)
	if !ok || v == nil {
		return def, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def, typeError(key, "string", v)
	}
	return s, nil
}

// RequireString returns key as a non-empty string
func (o Options) RequireString(key string) (string, error) {
	s, err := o.String(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrOptionNotFound, key)
	}
	return s, nil
}

// Int returns key as an int, or def when unset
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o.Get(key)
	if !ok || v == nil {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def, typeError(key, "integer", v)
	}
	return n, nil
}

// Float returns key as a float64, or def when unset
func (o Options) Float(key string, def float64) (float64, error) {
	v, ok := o.Get(key)
	if !ok || v == nil {
		return def, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def, typeError(key, "number", v)
	}
	return f, nil
}

// Bool returns key as a bool, or def when unset
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o.Get(key)
	if !ok || v == nil {
		return def, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def, typeError(key, "boolean", v)
	}
	return b, nil
}

// Seconds returns key as a duration. Numbers are seconds; strings may be
// numbers of seconds or Go durations such as "1m30s".
// Seconds 以时长返回 key；数字按秒计，字符串可为秒数或 Go 时长格式。
func (o Options) Seconds(key string, def time.Duration) (time.Duration, error) {
	v, ok := o.Get(key)
	if !ok || v == nil {
		return def, nil
	}
	if s, isString := v.(string); isString {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, nil
		}
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || f < 0 {
		return def, typeError(key, "duration", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// StringSlice returns key as a list of strings, or nil when unset
func (o Options) StringSlice(key string) ([]string, error) {
	v, ok := o.Get(key)
	if !ok || v == nil {
		return nil, nil
	}
	s, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil, typeError(key, "list", v)
	}
	return s, nil
}

func typeError(key, want string, v any) error {
	return fmt.Errorf("%w: %s should be a %s, got %T", ErrOptionType, key, want, v)
}
