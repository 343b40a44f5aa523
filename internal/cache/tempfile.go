package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	tempPrefix = ".pkgcache-"
	tempSuffix = ".part"

	createTempAttempts = 10
)

// CreateTemp 在 dir 中创建本次回源专用的临时文件，文件名带上当前 PID，
// 以便 Janitor 区分存活进程与已退出进程遗留的文件。
// 权限与 os.Create 一致（0666 受 umask 约束），rename 后即为最终权限。
func CreateTemp(dir string) (*os.File, error) {
	for i := 0; i < createTempAttempts; i++ {
		name := filepath.Join(dir, fmt.Sprintf("%s%d-%s%s", tempPrefix, os.Getpid(), uuid.NewString(), tempSuffix))
		f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return f, err
	}
	return nil, fmt.Errorf("create temp file in %s: %w", dir, fs.ErrExist)
}

// isTempName 判断文件名是否属于回源临时文件的命名空间。
func isTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix)
}

// tempOwner 解析临时文件名中的 PID；非临时文件返回 false。
func tempOwner(name string) (int, bool) {
	if !isTempName(name) {
		return 0, false
	}
	rest := strings.TrimPrefix(name, tempPrefix)
	idx := strings.IndexByte(rest, '-')
	if idx <= 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(rest[:idx])
	if err != nil {
		return 0, false
	}
	return pid, true
}
