package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述进程级运行参数：监听地址、缓存目录、日志与回源行为。
type GlobalConfig struct {
	ListenHost      string   `mapstructure:"ListenHost"`
	ListenPort      int      `mapstructure:"ListenPort"`
	StoragePath     string   `mapstructure:"StoragePath"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFormat       string   `mapstructure:"LogFormat"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	JanitorSchedule string   `mapstructure:"JanitorSchedule"`
	TempFileMaxAge  Duration `mapstructure:"TempFileMaxAge"`
}

// Config 是配置文件/环境变量/命令行合并后的整体结构。
// Sources 的顺序即回源优先级。
type Config struct {
	Global  GlobalConfig `mapstructure:",squash"`
	Sources []string     `mapstructure:"Sources"`
}

// ListenAddr 返回 host:port 形式的监听地址。
func (g GlobalConfig) ListenAddr() string {
	return net.JoinHostPort(g.ListenHost, strconv.Itoa(g.ListenPort))
}
