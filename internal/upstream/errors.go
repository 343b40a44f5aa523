package upstream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/package-cache/package-cache/internal/cache"
)

// ErrAllSourcesFailed 可配合 errors.Is 判断某个 key 的所有上游均失败。
var ErrAllSourcesFailed = errors.New("all sources failed")

// OriginError 描述单个上游的一次失败：非 2xx 响应（StatusCode > 0）或传输/写盘错误。
type OriginError struct {
	Source     string
	URL        string
	StatusCode int
	Reason     string
	Err        error
}

func (e *OriginError) Error() string {
	target := e.URL
	if target == "" {
		target = e.Source
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("origin %s: %d %s", target, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("origin %s: %v", target, e.Err)
}

func (e *OriginError) Unwrap() error {
	return e.Err
}

// AllSourcesFailedError 汇总一次回源中每个上游的失败，顺序与 Sources 一致。
type AllSourcesFailedError struct {
	Key      cache.Key
	Attempts []*OriginError
}

func (e *AllSourcesFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%s: no sources configured for %s", ErrAllSourcesFailed, e.Key)
	}
	parts := make([]string, len(e.Attempts))
	for i, attempt := range e.Attempts {
		parts[i] = attempt.Error()
	}
	return fmt.Sprintf("%s for %s: %s", ErrAllSourcesFailed, e.Key, strings.Join(parts, "; "))
}

func (e *AllSourcesFailedError) Is(target error) bool {
	return target == ErrAllSourcesFailed
}

func (e *AllSourcesFailedError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, attempt := range e.Attempts {
		errs[i] = attempt
	}
	return errs
}

// Last 返回最后一个上游的失败；没有任何尝试时返回 nil。
func (e *AllSourcesFailedError) Last() *OriginError {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

// Status 返回最后一个上游的 HTTP 状态码与原因；传输错误或无尝试时返回 0。
func (e *AllSourcesFailedError) Status() (int, string) {
	last := e.Last()
	if last == nil || last.StatusCode == 0 {
		return 0, ""
	}
	return last.StatusCode, last.Reason
}
