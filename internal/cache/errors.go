package cache

import "errors"

var (
	// ErrInvalidPath 表示请求路径为空、无法解码或试图逃逸缓存根目录。
	ErrInvalidPath = errors.New("invalid cache path")
	// ErrInvalidFile 表示缓存路径存在但不是普通文件（例如与目录同名）。
	ErrInvalidFile = errors.New("invalid cache file")
	// ErrNotFound 表示缓存不存在且当前 Store 未配置回源能力。
	ErrNotFound = errors.New("cache entry not found")
)
