package cache

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Key 是规范化后的相对路径（斜杠分隔），同时用作上游路径后缀与磁盘文件名。
type Key string

func (k Key) String() string {
	return string(k)
}

// Resolve 将原始请求路径映射为 root 下的缓存键，不访问文件系统。
// 任何包含 ".." 段、NUL、反斜杠或最终落在 root 之外的路径都会返回 ErrInvalidPath。
func Resolve(root, requestPath string) (Key, error) {
	raw := requestPath
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		raw = raw[:idx]
	}

	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	decoded = strings.TrimPrefix(decoded, "/")
	if decoded == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	// 目录形式的路径（如 /simple/pkg/）不能落盘为普通文件，否则会遮住整棵子树。
	if strings.HasSuffix(decoded, "/") {
		return "", fmt.Errorf("%w: directory path %q", ErrInvalidPath, requestPath)
	}
	if strings.ContainsAny(decoded, "\x00\\") {
		return "", fmt.Errorf("%w: illegal character in %q", ErrInvalidPath, requestPath)
	}
	for _, segment := range strings.Split(decoded, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: traversal in %q", ErrInvalidPath, requestPath)
		}
		if isTempName(segment) {
			return "", fmt.Errorf("%w: reserved name in %q", ErrInvalidPath, requestPath)
		}
	}

	clean := strings.TrimLeft(path.Clean(decoded), "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	base := filepath.Clean(root)
	abs := filepath.Join(base, filepath.FromSlash(clean))
	rel, err := filepath.Rel(base, abs)
	if err != nil || !isDescendant(rel) {
		return "", fmt.Errorf("%w: %q escapes cache root", ErrInvalidPath, requestPath)
	}
	return Key(filepath.ToSlash(rel)), nil
}

func isDescendant(rel string) bool {
	if rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
