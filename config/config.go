package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 覆盖配置项的环境变量前缀
const EnvPrefix = "GOJDI_"

// Config go-jdi的全部配置
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Session SessionConfig `yaml:"session"`
	Server  ServerConfig  `yaml:"server"`
	Launch  LaunchConfig  `yaml:"launch"`
}

// LogConfig 日志配置，File为空时输出到标准错误
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// SessionConfig 调试会话配置
type SessionConfig struct {
	// Addresses attach时依次尝试的地址
	Addresses       []string      `yaml:"addresses"`
	ConnectRetries  uint64        `yaml:"connect_retries"`
	ConnectInterval time.Duration `yaml:"connect_interval"`
	MaxAnomalies    int           `yaml:"max_anomalies"`
	OrphanBuffer    int           `yaml:"orphan_buffer"`
	DisposeTimeout  time.Duration `yaml:"dispose_timeout"`
}

// ServerConfig DAP服务配置
type ServerConfig struct {
	Port        int           `yaml:"port"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// LaunchConfig 启动目标虚拟机的配置
type LaunchConfig struct {
	Java      string   `yaml:"java"`
	Classpath []string `yaml:"classpath"`
	MainClass string   `yaml:"main_class"`
	Args      []string `yaml:"args"`
	Suspend   bool     `yaml:"suspend"`
}

// Default 所有配置项的默认值
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
			File:  "/var/gojdi.log",
		},
		Session: SessionConfig{
			Addresses:       []string{"localhost:5005"},
			ConnectRetries:  5,
			ConnectInterval: 200 * time.Millisecond,
			MaxAnomalies:    16,
			OrphanBuffer:    64,
			DisposeTimeout:  3 * time.Second,
		},
		Server: ServerConfig{
			Port:        8889,
			IdleTimeout: 10 * time.Minute,
		},
		Launch: LaunchConfig{
			Java:    "java",
			Suspend: true,
		},
	}
}

// Load 读取配置
// 先取默认值，再读取YAML文件(path为空时跳过)，最后用.env和GOJDI_*环境变量覆盖
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// .env不存在不是错误，已有的环境变量不会被覆盖
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env %s: %w", f, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	list("SESSION_ADDRESSES", &c.Session.Addresses)
	if v, ok := lookup("SESSION_CONNECT_RETRIES"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSESSION_CONNECT_RETRIES: %w", EnvPrefix, err))
		} else {
			c.Session.ConnectRetries = n
		}
	}
	duration("SESSION_CONNECT_INTERVAL", &c.Session.ConnectInterval)
	integer("SESSION_MAX_ANOMALIES", &c.Session.MaxAnomalies)
	integer("SESSION_ORPHAN_BUFFER", &c.Session.OrphanBuffer)
	duration("SESSION_DISPOSE_TIMEOUT", &c.Session.DisposeTimeout)
	integer("SERVER_PORT", &c.Server.Port)
	duration("SERVER_IDLE_TIMEOUT", &c.Server.IdleTimeout)
	str("LAUNCH_JAVA", &c.Launch.Java)
	list("LAUNCH_CLASSPATH", &c.Launch.Classpath)
	str("LAUNCH_MAIN_CLASS", &c.Launch.MainClass)
	if v, ok := lookup("LAUNCH_SUSPEND"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sLAUNCH_SUSPEND: %w", EnvPrefix, err))
		} else {
			c.Launch.Suspend = b
		}
	}
	return errors.Join(errs...)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// splitList 逗号分隔的列表
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
