package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量前缀，例如 PACKAGE_CACHE_LISTENPORT。
const EnvPrefix = "PACKAGE_CACHE"

// flagKeys 记录命令行标志与配置键的对应关系。
var flagKeys = map[string]string{
	"host":      "ListenHost",
	"port":      "ListenPort",
	"source":    "Sources",
	"cache":     "StoragePath",
	"log-level": "LogLevel",
	"log-file":  "LogFilePath",
}

// RegisterFlags 在 fs 上声明与配置键绑定的标志，默认值与 setDefaults 保持一致。
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("host", "localhost", "监听的主机名")
	fs.Int("port", 4000, "监听端口")
	fs.StringArray("source", nil, "上游镜像 URL，可重复指定，按出现顺序回源")
	fs.String("cache", "/tmp/package-cache", "缓存目录")
	fs.String("log-level", "info", "日志级别")
	fs.String("log-file", "", "日志文件路径（为空输出到 stdout）")
}

// Load 合并默认值、可选的 TOML 配置文件、环境变量与命令行标志，并执行校验。
// 优先级：显式指定的标志 > 环境变量 > 配置文件 > 默认值。
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	cfg.Sources = normalizeSources(cfg.Sources)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenHost", "localhost")
	v.SetDefault("ListenPort", 4000)
	v.SetDefault("Sources", []string{})
	v.SetDefault("StoragePath", "/tmp/package-cache")
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "json")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("JanitorSchedule", "@hourly")
	v.SetDefault("TempFileMaxAge", "1h")
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("绑定标志 --%s 失败: %w", name, err)
		}
	}
	return nil
}

func applyGlobalDefaults(g *GlobalConfig) {
	if strings.TrimSpace(g.ListenHost) == "" {
		g.ListenHost = "localhost"
	}
	if g.ListenPort == 0 {
		g.ListenPort = 4000
	}
	g.LogLevel = strings.ToLower(strings.TrimSpace(g.LogLevel))
	g.LogFormat = strings.ToLower(strings.TrimSpace(g.LogFormat))
	if g.LogFormat == "" {
		g.LogFormat = "json"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.TempFileMaxAge.DurationValue() == 0 {
		g.TempFileMaxAge = Duration(time.Hour)
	}
	g.JanitorSchedule = strings.TrimSpace(g.JanitorSchedule)
}

// normalizeSources 去除空白项，保持原有顺序。
func normalizeSources(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		result = append(result, item)
	}
	return result
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
