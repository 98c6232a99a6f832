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

// Package config loads the loops configuration file.
// config 包加载 loops 配置文件。
//
// Configuration loading priority (highest to lowest):
// 配置加载优先级（从高到低）：
// 1. Environment variables (LOOPS_GLOBAL_POLL_PERIOD, ...) / 环境变量
// 2. Configuration file, rendered as a text/template / 配置文件（按模板渲染）
// 3. Default values / 默认值
//
// A .env file in the root directory is loaded first and never overrides
// variables that are already set.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Default configuration values
// 默认配置值
const (
	DefaultConfigPath    = "config/loops.yml"
	DefaultEnvFile       = ".env"
	DefaultPollPeriod    = 1.0  // seconds
	DefaultWaitPeriod    = 10.0 // seconds
	DefaultEngine        = "fork"
	DefaultLogger        = "log/loops.log"
	DefaultLogLevel      = "info"
	DefaultLogMaxSize    = 100 // MB
	DefaultLogMaxBackups = 10
	DefaultLogMaxAge     = 0 // days, 0 keeps everything
	DefaultPIDFile       = "loops.pid"
	DefaultRestartWindow = 300.0  // seconds
	DefaultCooldown      = 1800.0 // seconds
	EnvPrefix            = "LOOPS"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("config: invalid")

// Config represents the loops configuration
// Config 表示 loops 配置
type Config struct {
	// Global settings / 全局设置
	Global GlobalConfig `mapstructure:"global"`

	// Loop sections keyed by loop name / 按循环名索引的循环配置
	Loops map[string]map[string]any `mapstructure:"loops"`

	// Root is the directory relative paths are resolved against / 相对路径的根目录
	Root string `mapstructure:"-"`

	// File is the configuration file that was loaded / 已加载的配置文件
	File string `mapstructure:"-"`
}

// GlobalConfig holds the global section
// GlobalConfig 保存 global 配置段
type GlobalConfig struct {
	PollPeriod     float64       `mapstructure:"poll_period"`
	WaitPeriod     float64       `mapstructure:"wait_period"`
	WorkersEngine  string        `mapstructure:"workers_engine"`
	Logger         string        `mapstructure:"logger"`
	LogLevel       string        `mapstructure:"log_level"`
	ColorfulLogs   bool          `mapstructure:"colorful_logs"`
	WriteToConsole bool          `mapstructure:"write_to_console"`
	LogMaxSize     int           `mapstructure:"log_max_size"`
	LogMaxBackups  int           `mapstructure:"log_max_backups"`
	LogMaxAge      int           `mapstructure:"log_max_age"`
	PIDFile        string        `mapstructure:"pid_file"`
	Restart        RestartConfig `mapstructure:"restart"`
	Status         StatusConfig  `mapstructure:"status"`
}

// RestartConfig configures the crash-loop guard
// RestartConfig 配置崩溃循环保护
type RestartConfig struct {
	MaxRestarts int     `mapstructure:"max_restarts"`
	TimeWindow  float64 `mapstructure:"time_window"`
	Cooldown    float64 `mapstructure:"cooldown"`
}

// StatusConfig configures the status endpoints
// StatusConfig 配置状态端点
type StatusConfig struct {
	Listen     string `mapstructure:"listen"`
	GRPCListen string `mapstructure:"grpc_listen"`
}

// PollInterval returns poll_period as a duration
func (g GlobalConfig) PollInterval() time.Duration { return seconds(g.PollPeriod) }

// WaitInterval returns wait_period as a duration
func (g GlobalConfig) WaitInterval() time.Duration { return seconds(g.WaitPeriod) }

// Window returns time_window as a duration
func (r RestartConfig) Window() time.Duration { return seconds(r.TimeWindow) }

// CooldownPeriod returns cooldown as a duration
func (r RestartConfig) CooldownPeriod() time.Duration { return seconds(r.Cooldown) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// LoadOptions tells Load where to find its files
// LoadOptions 指定 Load 查找文件的位置
type LoadOptions struct {
	Root    string // 根目录，默认当前目录 / Root directory, defaults to "."
	File    string // 配置文件，默认 <root>/config/loops.yml / Config file
	EnvFile string // .env 文件，默认 <root>/.env / Dotenv file
}

// Load reads, renders and parses the configuration file
// Load 读取、渲染并解析配置文件
func Load(opts LoadOptions) (*Config, error) {
	root := opts.Root
	if root == "" {
		root = "."
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = filepath.Join(root, DefaultEnvFile)
	}
	if err := loadEnvFile(envFile, opts.EnvFile != ""); err != nil {
		return nil, err
	}

	file := opts.File
	if file == "" {
		file = filepath.Join(root, DefaultConfigPath)
	}
	if file, err = filepath.Abs(file); err != nil {
		return nil, fmt.Errorf("failed to resolve config file: %w", err)
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := parse(raw, root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	cfg.File = file
	return cfg, nil
}

// LoadFromYAML parses configuration data, with root as the base directory
// LoadFromYAML 解析配置数据，root 作为基准目录
func LoadFromYAML(data []byte, root string) (*Config, error) {
	return parse(data, root)
}

// loadEnvFile loads a dotenv file; a missing default file is not an error
func loadEnvFile(path string, explicit bool) error {
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("failed to read env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func parse(raw []byte, root string) (*Config, error) {
	rendered, err := render(raw, root)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewReader(rendered)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Root = root
	return &cfg, nil
}

// render runs the file through text/template with env helpers
func render(raw []byte, root string) ([]byte, error) {
	tmpl, err := template.New("loops").Option("missingkey=zero").Funcs(template.FuncMap{
		"env": os.Getenv,
		"default": func(def string, v string) string {
			if v == "" {
				return def
			}
			return v
		},
	}).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config template: %w", err)
	}

	data := map[string]any{
		"Root": root,
		"Env":  envMap(),
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render config template: %w", err)
	}
	return buf.Bytes(), nil
}

func envMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// setDefaults sets default values for the global section
// setDefaults 设置 global 段默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.poll_period", DefaultPollPeriod)
	v.SetDefault("global.wait_period", DefaultWaitPeriod)
	v.SetDefault("global.workers_engine", DefaultEngine)

	// Log defaults / 日志默认值
	v.SetDefault("global.logger", DefaultLogger)
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.colorful_logs", false)
	v.SetDefault("global.write_to_console", false)
	v.SetDefault("global.log_max_size", DefaultLogMaxSize)
	v.SetDefault("global.log_max_backups", DefaultLogMaxBackups)
	v.SetDefault("global.log_max_age", DefaultLogMaxAge)

	v.SetDefault("global.pid_file", DefaultPIDFile)

	// Restart guard defaults / 重启保护默认值
	v.SetDefault("global.restart.max_restarts", 0)
	v.SetDefault("global.restart.time_window", DefaultRestartWindow)
	v.SetDefault("global.restart.cooldown", DefaultCooldown)

	// Status endpoints are off by default / 状态端点默认关闭
	v.SetDefault("global.status.listen", "")
	v.SetDefault("global.status.grpc_listen", "")
}

// Validate validates the configuration
// Validate 验证配置
func (c *Config) Validate() error {
	g := c.Global
	if g.PollPeriod <= 0 {
		return fmt.Errorf("%w: global.poll_period must be positive", ErrInvalidConfig)
	}
	if g.WaitPeriod < 0 {
		return fmt.Errorf("%w: global.wait_period must not be negative", ErrInvalidConfig)
	}

	switch strings.ToLower(g.WorkersEngine) {
	case "fork", "thread":
	default:
		return fmt.Errorf("%w: global.workers_engine must be fork or thread, got %q", ErrInvalidConfig, g.WorkersEngine)
	}

	if err := validateLevel("global.log_level", g.LogLevel); err != nil {
		return err
	}
	if g.Restart.MaxRestarts < 0 {
		return fmt.Errorf("%w: global.restart.max_restarts must not be negative", ErrInvalidConfig)
	}

	if len(c.Loops) == 0 {
		return fmt.Errorf("%w: no loops section", ErrInvalidConfig)
	}
	_, err := c.Jobs()
	return err
}

func validateLevel(key, level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error", "fatal":
		return nil
	default:
		return fmt.Errorf("%w: %s must be debug, info, warn, error or fatal, got %q", ErrInvalidConfig, key, level)
	}
}

// Path resolves p against the root directory. stdout, stderr and absolute
// paths are returned unchanged.
// Path 相对根目录解析路径。
func (c *Config) Path(p string) string {
	switch {
	case p == "", p == "stdout", p == "stderr", filepath.IsAbs(p):
		return p
	default:
		return filepath.Join(c.Root, p)
	}
}

// ToYAML returns the loop table as YAML
// ToYAML 以 YAML 格式返回循环表
func (c *Config) ToYAML() ([]byte, error) {
	jobs, err := c.Jobs()
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(map[string]any{
		"global": map[string]any{
			"poll_period":    c.Global.PollPeriod,
			"wait_period":    c.Global.WaitPeriod,
			"workers_engine": c.Global.WorkersEngine,
		},
		"loops": jobs,
	})
}

// String returns a one-line summary
func (c *Config) String() string {
	return fmt.Sprintf("Config{File: %s, Engine: %s, PollPeriod: %vs, WaitPeriod: %vs, Loops: %d}",
		c.File, c.Global.WorkersEngine, c.Global.PollPeriod, c.Global.WaitPeriod, len(c.Loops))
}
