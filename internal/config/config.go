// Package config loads jrpc2 settings from a YAML file with JRPC2_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
}

type LogConfig struct {
	Level           string `mapstructure:"level"`
	Format          string `mapstructure:"format"` // "json" or "console"
	AccessLog       bool   `mapstructure:"access_log"`
	AccessBodyLimit int    `mapstructure:"access_body_limit"`
}

type ServerConfig struct {
	TCPAddr      string        `mapstructure:"tcp_addr"`
	HTTPAddr     string        `mapstructure:"http_addr"`
	HTTPPath     string        `mapstructure:"http_path"`
	MaxBodySize  int64         `mapstructure:"max_body_size"`
	MaxLineSize  int           `mapstructure:"max_line_size"`
	BatchLimit   int           `mapstructure:"batch_concurrency"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type ClientConfig struct {
	Transport    string        `mapstructure:"transport"` // "tcp", "http" or "process"
	TCPAddr      string        `mapstructure:"tcp_addr"`
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Process      ProcessConfig `mapstructure:"process"`
}

type ProcessConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Dir     string            `mapstructure:"dir"`
}

// Environ returns Env as sorted KEY=VALUE pairs.
func (p ProcessConfig) Environ() []string {
	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.access_log", false)
	v.SetDefault("log.access_body_limit", 500)

	v.SetDefault("server.tcp_addr", "127.0.0.1:4000")
	v.SetDefault("server.http_addr", "127.0.0.1:8080")
	v.SetDefault("server.http_path", "/rpc")
	v.SetDefault("server.max_body_size", 10*1024*1024)
	v.SetDefault("server.max_line_size", 32*1024*1024)
	v.SetDefault("server.batch_concurrency", 64)
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("client.transport", "tcp")
	v.SetDefault("client.tcp_addr", "127.0.0.1:4000")
	v.SetDefault("client.url", "http://127.0.0.1:8080/rpc")
	v.SetDefault("client.dial_timeout", "10s")
	v.SetDefault("client.write_timeout", "30s")
	v.SetDefault("client.call_timeout", "30s")
	v.SetDefault("client.batch_timeout", "0s")
	v.SetDefault("client.process.command", "")
	v.SetDefault("client.process.dir", "")
}

// Load reads path, if not empty, over the defaults. JRPC2_<SECTION>_<KEY> variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("JRPC2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Viper lowercases map keys; environment variable names are case-sensitive.
	if path != "" {
		if err := preserveEnvCase(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func preserveEnvCase(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var raw struct {
		Client struct {
			Process struct {
				Env map[string]string `yaml:"env"`
			} `yaml:"process"`
		} `yaml:"client"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if len(raw.Client.Process.Env) > 0 {
		cfg.Client.Process.Env = raw.Client.Process.Env
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Client.Transport {
	case "tcp", "http", "process":
	default:
		return fmt.Errorf("invalid client.transport: %q (must be 'tcp', 'http' or 'process')", c.Client.Transport)
	}
	if c.Client.Transport == "process" && strings.TrimSpace(c.Client.Process.Command) == "" {
		return errors.New("client.process.command is required for the process transport")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log.format: %q (must be 'json' or 'console')", c.Log.Format)
	}
	return nil
}
