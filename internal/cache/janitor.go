package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Janitor 定期清理其它（已退出）进程遗留的 .pkgcache-*.part 临时文件。
// 当前进程自己的临时文件由回源流程负责清理，这里不会触碰。
type Janitor struct {
	root     string
	maxAge   time.Duration
	schedule string
	logger   *logrus.Logger
	now      func() time.Time
	pid      int

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewJanitor 构造清理器；schedule 为空时 Start 只执行一次启动清理。
func NewJanitor(root string, maxAge time.Duration, schedule string, logger *logrus.Logger) *Janitor {
	return &Janitor{
		root:     root,
		maxAge:   maxAge,
		schedule: schedule,
		logger:   logger,
		now:      time.Now,
		pid:      os.Getpid(),
	}
}

// Start 先执行一次清理，再按 cron 表达式注册周期任务；ctx 结束时自动停止。
func (j *Janitor) Start(ctx context.Context) error {
	j.run()

	if j.schedule == "" {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	if _, err := cron.ParseStandard(j.schedule); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, j.run); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.Start()
	j.cron = c
	j.running = true

	go func() {
		<-ctx.Done()
		j.Stop()
	}()
	return nil
}

// Stop 停止周期任务并等待正在执行的清理结束。
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron == nil || !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
}

func (j *Janitor) run() {
	started := time.Now()
	removed, err := j.Sweep()
	fields := logrus.Fields{
		"action":     "janitor_sweep",
		"removed":    removed,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		j.logger.WithFields(fields).WithError(err).Warn("janitor_sweep_failed")
		return
	}
	j.logger.WithFields(fields).Debug("janitor_sweep_complete")
}

// Sweep 遍历缓存目录并删除过期的孤儿临时文件，返回删除数量。
func (j *Janitor) Sweep() (int, error) {
	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	var errs []error

	walkErr := filepath.WalkDir(j.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			errs = append(errs, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		pid, ok := tempOwner(d.Name())
		if !ok || pid == j.pid {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			return nil
		}
		removed++
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	return removed, errors.Join(errs...)
}
