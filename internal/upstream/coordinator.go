package upstream

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/package-cache/package-cache/internal/cache"
	"github.com/package-cache/package-cache/internal/logging"
	"github.com/package-cache/package-cache/internal/metrics"
)

// OriginFetcher 是 Coordinator 依赖的单源下载能力，*Fetcher 为默认实现。
type OriginFetcher interface {
	Fetch(ctx context.Context, source string, key cache.Key, tempPath string) (FetchResult, error)
}

// InFlightFetch 描述一个正在回源的 key，供诊断接口展示。
type InFlightFetch struct {
	Key   cache.Key `json:"key"`
	Since time.Time `json:"since"`
}

// Coordinator 按配置顺序逐个尝试上游，并保证同一 key 同时只有一次回源。
// 它实现 cache.Filler。
type Coordinator struct {
	sources []string
	fetcher OriginFetcher
	logger  *logrus.Logger
	metrics *metrics.Recorder

	group singleflight.Group

	mu       sync.Mutex
	inflight map[cache.Key]time.Time
}

var _ cache.Filler = (*Coordinator)(nil)

// NewCoordinator 构造回源协调器；sources 在进程生命周期内保持不变。
func NewCoordinator(sources []string, fetcher OriginFetcher, logger *logrus.Logger, recorder *metrics.Recorder) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Coordinator{
		sources:  append([]string(nil), sources...),
		fetcher:  fetcher,
		logger:   logger,
		metrics:  recorder,
		inflight: make(map[cache.Key]time.Time),
	}
}

// Sources 返回上游列表的副本。
func (c *Coordinator) Sources() []string {
	return append([]string(nil), c.sources...)
}

// InFlight 返回当前正在回源的 key，按 key 排序。
func (c *Coordinator) InFlight() []InFlightFetch {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]InFlightFetch, 0, len(c.inflight))
	for key, since := range c.inflight {
		out = append(out, InFlightFetch{Key: key, Since: since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// EnsureCached 保证 finalPath 在返回 nil 时是完整的缓存文件。
// 并发调用共享同一次回源；调用方自身的 ctx 结束只会让它提前返回 ctx.Err()，
// 不会中断其他等待者的回源。
func (c *Coordinator) EnsureCached(ctx context.Context, key cache.Key, finalPath string) error {
	fillCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(string(key), func() (any, error) {
		return nil, c.fill(fillCtx, key, finalPath)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) fill(ctx context.Context, key cache.Key, finalPath string) (err error) {
	// DoChan 中的 panic 会直接终止进程，这里转换成普通错误。
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch %s panicked: %v", key, r)
		}
	}()

	// 调用方 stat 之后、登记之前可能已有一次回源完成。
	if info, statErr := os.Stat(finalPath); statErr == nil && info.Mode().IsRegular() {
		return nil
	}

	c.track(key)
	defer c.untrack(key)

	failed := &AllSourcesFailedError{Key: key}
	for _, source := range c.sources {
		attemptErr := c.attempt(ctx, source, key, finalPath)
		if attemptErr == nil {
			return nil
		}
		failed.Attempts = append(failed.Attempts, attemptErr)
	}

	c.logger.WithFields(logrus.Fields{
		"action":    "fetch",
		"cache_key": key.String(),
		"attempts":  len(failed.Attempts),
	}).Warn("all_sources_failed")
	return failed
}

// attempt 向单个上游回源到私有临时文件，成功后原子 rename 到 finalPath。
func (c *Coordinator) attempt(ctx context.Context, source string, key cache.Key, finalPath string) *OriginError {
	fields := logging.FetchFields(key.String(), source)
	started := time.Now()

	result, err := c.fetchInto(ctx, source, key, finalPath)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()

	if err != nil {
		originErr := asOriginError(source, key, err)
		c.metrics.RecordFetch(source, metrics.OutcomeFailure, 0)
		if originErr.StatusCode > 0 {
			fields["upstream_status"] = originErr.StatusCode
		}
		c.logger.WithFields(fields).WithError(originErr).Warn("fetch_failed")
		return originErr
	}

	c.metrics.RecordFetch(source, metrics.OutcomeSuccess, result.Written)
	fields["upstream_status"] = result.StatusCode
	fields["size"] = humanize.Bytes(uint64(result.Written))
	c.logger.WithFields(fields).Info("fetch_completed")
	return nil
}

func (c *Coordinator) fetchInto(ctx context.Context, source string, key cache.Key, finalPath string) (FetchResult, error) {
	tmp, err := cache.CreateTemp(filepath.Dir(finalPath))
	if err != nil {
		return FetchResult{}, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return FetchResult{}, fmt.Errorf("close temp file: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			if rmErr := os.Remove(tempPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				c.logger.WithFields(logging.FetchFields(key.String(), source)).
					WithError(rmErr).Warn("temp_cleanup_failed")
			}
		}
	}()

	result, err := c.fetcher.Fetch(ctx, source, key, tempPath)
	if err != nil {
		return FetchResult{}, err
	}

	if !result.LastModified.IsZero() {
		if err := os.Chtimes(tempPath, result.LastModified, result.LastModified); err != nil {
			return FetchResult{}, fmt.Errorf("set modification time: %w", err)
		}
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		return FetchResult{}, fmt.Errorf("commit cache file: %w", err)
	}
	committed = true
	return result, nil
}

func (c *Coordinator) track(key cache.Key) {
	c.mu.Lock()
	c.inflight[key] = time.Now()
	c.mu.Unlock()
	c.metrics.FetchStarted()
}

func (c *Coordinator) untrack(key cache.Key) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	c.metrics.FetchFinished()
}

func asOriginError(source string, key cache.Key, err error) *OriginError {
	var originErr *OriginError
	if errors.As(err, &originErr) {
		return originErr
	}
	return &OriginError{
		Source: source,
		URL:    SourceURL(source, key),
		Err:    err,
	}
}
