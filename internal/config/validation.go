package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("LogLevel", fmt.Sprintf("无法识别: %s", g.LogLevel))
	}
	if g.LogFormat != "json" && g.LogFormat != "text" {
		return newFieldError("LogFormat", "仅支持 json/text")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if g.TempFileMaxAge.DurationValue() <= 0 {
		return newFieldError("TempFileMaxAge", "必须大于 0")
	}
	if g.JanitorSchedule != "" {
		if _, err := cron.ParseStandard(g.JanitorSchedule); err != nil {
			return newFieldError("JanitorSchedule", err.Error())
		}
	}

	seen := make(map[string]int, len(c.Sources))
	for i, source := range c.Sources {
		if err := validateSource(source); err != nil {
			return fmt.Errorf("%s: %w", sourceField(i), err)
		}
		key := strings.TrimRight(source, "/")
		if prev, exists := seen[key]; exists {
			return newFieldError(sourceField(i), fmt.Sprintf("与 %s 重复", sourceField(prev)))
		}
		seen[key] = i
	}

	return nil
}

func validateSource(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("上游地址不应包含查询串或片段: %s", raw)
	}
	return nil
}
