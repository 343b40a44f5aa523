package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/package-cache/package-cache/internal/cache"
	"github.com/package-cache/package-cache/internal/version"
)

const copyBufferSize = 32 * 1024

// FetchResult 描述一次成功的回源。LastModified 为零值表示上游未提供或无法解析。
type FetchResult struct {
	URL          string
	StatusCode   int
	Written      int64
	LastModified time.Time
}

// Fetcher 针对单个上游执行 GET，并把正文流式写入调用方给定的临时文件。
type Fetcher struct {
	client    *http.Client
	logger    *logrus.Logger
	userAgent string
}

// NewFetcher 使用共享 http.Client 构造 Fetcher。
func NewFetcher(client *http.Client, logger *logrus.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		client:    client,
		logger:    logger,
		userAgent: version.UserAgent(),
	}
}

// SourceURL 拼接 <source>/<key>，source 末尾的斜杠会被去除，key 按路径段转义。
func SourceURL(source string, key cache.Key) string {
	escaped := (&url.URL{Path: key.String()}).EscapedPath()
	return strings.TrimRight(source, "/") + "/" + strings.TrimLeft(escaped, "/")
}

// Fetch 从 source 下载 key 到 tempPath（创建或截断），不会触碰最终缓存路径。
// 所有失败都以 *OriginError 返回。
func (f *Fetcher) Fetch(ctx context.Context, source string, key cache.Key, tempPath string) (FetchResult, error) {
	target := SourceURL(source, key)
	fail := func(status int, reason string, err error) (FetchResult, error) {
		return FetchResult{}, &OriginError{
			Source:     source,
			URL:        target,
			StatusCode: status,
			Reason:     reason,
			Err:        err,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fail(0, "", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return fail(0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
		return fail(resp.StatusCode, statusReason(resp), nil)
	}

	out, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fail(0, "", fmt.Errorf("open temp file: %w", err))
	}
	written, err := copyWithContext(ctx, out, resp.Body)
	if err == nil {
		err = out.Sync()
	}
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return fail(0, "", fmt.Errorf("copy body: %w", err))
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return fail(0, "", fmt.Errorf("short body: got %d of %d bytes: %w", written, resp.ContentLength, io.ErrUnexpectedEOF))
	}

	return FetchResult{
		URL:          target,
		StatusCode:   resp.StatusCode,
		Written:      written,
		LastModified: f.lastModified(resp.Header, target),
	}, nil
}

// lastModified 解析 Last-Modified；格式非法时记录警告并忽略，不影响本次回源。
func (f *Fetcher) lastModified(header http.Header, target string) time.Time {
	raw := header.Get("Last-Modified")
	if raw == "" {
		return time.Time{}
	}
	parsed, err := http.ParseTime(raw)
	if err != nil {
		if f.logger != nil {
			f.logger.WithFields(logrus.Fields{
				"action":        "fetch",
				"upstream":      target,
				"last_modified": raw,
			}).Warn("last_modified_unparsable")
		}
		return time.Time{}
	}
	return parsed.UTC()
}

func statusReason(resp *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, copyBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
