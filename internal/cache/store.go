package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Filler 负责在缓存未命中时把 key 对应的文件物化到 finalPath。
// 实现必须先写临时文件再 rename，返回 nil 时 finalPath 已是完整文件。
type Filler interface {
	EnsureCached(ctx context.Context, key Key, finalPath string) error
}

// Entry 描述一个已物化的缓存条目。
type Entry struct {
	Key       Key
	FilePath  string
	SizeBytes int64
	ModTime   time.Time
	// Hit 为 true 表示本次 Ensure 未触发回源。
	Hit bool
}

// Store 持有缓存根目录与回源协调器，整个进程共享一份实例。
type Store struct {
	root   string
	filler Filler
}

// NewStore 以 basePath 为根目录构建磁盘缓存，目录不存在时自动创建。
// filler 为 nil 时 Store 只读，未命中返回 ErrNotFound。
func NewStore(basePath string, filler Filler) (*Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &Store{root: abs, filler: filler}, nil
}

// Root 返回缓存根目录的绝对路径。
func (s *Store) Root() string {
	return s.root
}

// Resolve 使用当前根目录解析请求路径。
func (s *Store) Resolve(requestPath string) (Key, error) {
	return Resolve(s.root, requestPath)
}

// Ensure 保证 key 对应的缓存文件存在：命中直接返回，未命中交给 Filler 回源。
func (s *Store) Ensure(ctx context.Context, key Key) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	finalPath, err := s.entryPath(key)
	if err != nil {
		return Entry{}, err
	}

	info, err := os.Stat(finalPath)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return Entry{}, fmt.Errorf("%w: %s", ErrInvalidFile, key)
		}
		return newEntry(key, finalPath, info, true), nil
	case isNotDir(err):
		return Entry{}, fmt.Errorf("%w: %s", ErrInvalidFile, key)
	case !errors.Is(err, fs.ErrNotExist):
		return Entry{}, fmt.Errorf("stat cache entry: %w", err)
	}

	if s.filler == nil {
		return Entry{}, ErrNotFound
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		if isNotDir(err) || errors.Is(err, fs.ErrExist) {
			return Entry{}, fmt.Errorf("%w: %s", ErrInvalidFile, key)
		}
		return Entry{}, fmt.Errorf("create cache directory: %w", err)
	}

	if err := s.filler.EnsureCached(ctx, key, finalPath); err != nil {
		return Entry{}, err
	}

	info, err = os.Stat(finalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || isNotDir(err) {
			return Entry{}, fmt.Errorf("%w: %s", ErrInvalidFile, key)
		}
		return Entry{}, fmt.Errorf("stat cache entry: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Entry{}, fmt.Errorf("%w: %s", ErrInvalidFile, key)
	}
	return newEntry(key, finalPath, info, false), nil
}

// Open 打开条目正文供流式读取，调用方负责关闭。
// 返回的 Entry 取自已打开文件的 Stat，长度与修改时间与实际读取的内容一致。
func (s *Store) Open(entry Entry) (*os.File, Entry, error) {
	f, err := os.Open(entry.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Entry{}, ErrNotFound
		}
		return nil, Entry{}, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Entry{}, fmt.Errorf("stat cache entry: %w", err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, Entry{}, fmt.Errorf("%w: %s", ErrInvalidFile, entry.Key)
	}
	return f, newEntry(entry.Key, entry.FilePath, info, entry.Hit), nil
}

// entryPath 重新校验 key，避免绕过 Resolve 构造的 Key 逃逸根目录。
func (s *Store) entryPath(key Key) (string, error) {
	checked, err := Resolve(s.root, "/"+string(key))
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(string(checked))), nil
}

func newEntry(key Key, filePath string, info fs.FileInfo, hit bool) Entry {
	return Entry{
		Key:       key,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
		Hit:       hit,
	}
}

func isNotDir(err error) bool {
	return errors.Is(err, syscall.ENOTDIR)
}
