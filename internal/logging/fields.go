package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求 ID、方法与缓存键字段，供代理请求日志复用。
func RequestFields(requestID, method, cacheKey string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"method":    method,
		"cache_key": cacheKey,
		"cache_hit": cacheHit,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// FetchFields 描述一次回源尝试。
func FetchFields(cacheKey, source string) logrus.Fields {
	return logrus.Fields{
		"action":    "fetch",
		"cache_key": cacheKey,
		"source":    source,
	}
}
