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

// Package logger builds the zap loggers of the supervisor and its loops.
// logger 包构建监管器与各循环使用的 zap 日志器。
//
// File destinations are rotated by lumberjack. Several loops, and several worker
// processes, may write to the same file; writers are shared per path inside one
// process, rotation across processes is best-effort.
package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Special destinations
// 特殊输出目标
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// ErrInvalidLevel is returned for an unknown log level
var ErrInvalidLevel = errors.New("logger: invalid level")

// Config describes one log destination
// Config 描述一个日志输出目标
type Config struct {
	Output         string // stdout, stderr or a file path / 输出目标
	Level          string // debug, info, warn, error, fatal / 日志级别
	Colorful       bool   // colored level names / 彩色级别
	WriteToConsole bool   // mirror file output to stdout / 文件输出同时写到控制台
	MaxSize        int    // MB before rotation / 轮转大小（MB）
	MaxBackups     int    // rotated files to keep / 保留的轮转文件数
	MaxAge         int    // days to keep rotated files, 0 keeps all / 保留天数
}

// Factory creates named loggers that share file writers
// Factory 创建共享文件写入器的命名日志器
type Factory struct {
	base Config

	mu      sync.Mutex
	writers map[string]*lumberjack.Logger
}

// NewFactory creates a factory whose loggers default to base
// NewFactory 创建以 base 为默认配置的工厂
func NewFactory(base Config) *Factory {
	if base.Output == "" {
		base.Output = Stdout
	}
	if base.Level == "" {
		base.Level = "info"
	}
	return &Factory{base: base, writers: make(map[string]*lumberjack.Logger)}
}

// Logger returns a logger named name. Empty output or level fall back to the
// factory defaults. Every entry carries the pid of the writing process.
// Logger 返回名为 name 的日志器；output 或 level 为空时使用工厂默认值。
func (f *Factory) Logger(name, output, level string) (*zap.Logger, error) {
	cfg := f.base
	if output != "" {
		cfg.Output = output
	}
	if level != "" {
		cfg.Level = level
	}

	core, err := f.core(cfg)
	if err != nil {
		return nil, err
	}
	log := zap.New(core).With(zap.Int("pid", os.Getpid()))
	if name != "" {
		log = log.Named(name)
	}
	return log, nil
}

func (f *Factory) core(cfg Config) (zapcore.Core, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	enc := zapcore.NewConsoleEncoder(encoderConfig(cfg.Colorful))

	switch strings.ToLower(cfg.Output) {
	case Stdout:
		return zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl), nil
	case Stderr:
		return zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl), nil
	}

	w, err := f.writer(cfg)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), lvl)
	if cfg.WriteToConsole {
		core = zapcore.NewTee(core, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl))
	}
	return core, nil
}

func (f *Factory) writer(cfg Config) (*lumberjack.Logger, error) {
	path, err := filepath.Abs(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve log file: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if w, ok := f.writers[path]; ok {
		return w, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	}
	f.writers[path] = w
	return w, nil
}

// Close closes every file writer opened by the factory
// Close 关闭工厂打开的所有文件写入器
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for path, w := range f.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
		delete(f.writers, path)
	}
	return errors.Join(errs...)
}

// ParseLevel parses a level name
// ParseLevel 解析日志级别名称
func ParseLevel(level string) (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return lvl, fmt.Errorf("%w: %q", ErrInvalidLevel, level)
	}
	return lvl, nil
}

func encoderConfig(colorful bool) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		NameKey:          "logger",
		MessageKey:       "msg",
		StacktraceKey:    "stacktrace",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: " : ",
	}
	if colorful {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg
}

// Console returns a stderr logger for commands that run before, or without,
// a configuration file.
func Console(level string) *zap.Logger {
	log, err := NewFactory(Config{Output: Stderr, Level: level}).Logger("", "", "")
	if err != nil {
		return zap.NewNop()
	}
	return log
}
