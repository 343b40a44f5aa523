package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/package-cache/package-cache/internal/cache"
	"github.com/package-cache/package-cache/internal/logging"
	"github.com/package-cache/package-cache/internal/metrics"
	"github.com/package-cache/package-cache/internal/server"
	"github.com/package-cache/package-cache/internal/upstream"
)

// Handler 负责“解析路径 → 确保缓存 → 流式返回文件”的全流程，
// 对外暴露 Fiber handler，内部复用进程级共享的 cache.Store。
type Handler struct {
	store   *cache.Store
	logger  *logrus.Logger
	metrics *metrics.Recorder
}

// NewHandler constructs a proxy handler backed by the shared store.
func NewHandler(store *cache.Store, logger *logrus.Logger, recorder *metrics.Recorder) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		store:   store,
		logger:  logger,
		metrics: recorder,
	}
}

// Handle 只接受 GET/HEAD，任何阶段出错都转换为无正文的状态码并输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	method := c.Method()

	if method != fiber.MethodGet && method != fiber.MethodHead {
		c.Set(fiber.HeaderAllow, "GET, HEAD")
		c.Status(fiber.StatusMethodNotAllowed)
		return nil
	}

	// PathOriginal 保留客户端发送的原始路径，URI().Path() 会提前折叠 ".." 段。
	rawPath := string(c.Request().URI().PathOriginal())
	key, err := h.store.Resolve(rawPath)
	if err != nil {
		return h.writeFailure(c, requestID, rawPath, false, started, err)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	entry, err := h.store.Ensure(ctx, key)
	if err != nil {
		return h.writeFailure(c, requestID, key.String(), false, started, err)
	}

	// 以打开后的文件为准，Ensure 与 Open 之间条目可能被替换。
	file, opened, err := h.store.Open(entry)
	if err != nil {
		return h.writeFailure(c, requestID, key.String(), entry.Hit, started, err)
	}
	entry = opened

	c.Set(fiber.HeaderContentType, contentTypeFor(entry.FilePath))
	c.Set(fiber.HeaderLastModified, entry.ModTime.UTC().Format(http.TimeFormat))
	c.Set("X-Package-Cache-Hit", strconv.FormatBool(entry.Hit))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(fiber.StatusOK)

	if entry.Hit {
		h.metrics.RecordRequest(metrics.ResultHit)
	} else {
		h.metrics.RecordRequest(metrics.ResultMiss)
	}

	if method == fiber.MethodHead {
		_ = file.Close()
		c.Response().Header.SetContentLength(int(entry.SizeBytes))
		h.logResult(requestID, method, key.String(), fiber.StatusOK, entry.Hit, started, nil)
		return nil
	}

	// SendStream 在响应写完后关闭 file。
	err = c.SendStream(file, int(entry.SizeBytes))
	h.logResult(requestID, method, key.String(), fiber.StatusOK, entry.Hit, started, err)
	return err
}

// writeFailure 把内部错误映射为状态码（上游失败时连同原因短语）；响应正文始终为空。
func (h *Handler) writeFailure(c fiber.Ctx, requestID, cacheKey string, cacheHit bool, started time.Time, err error) error {
	status := fiber.StatusInternalServerError
	reason := ""
	var failed *upstream.AllSourcesFailedError

	switch {
	case errors.Is(err, cache.ErrInvalidPath),
		errors.Is(err, cache.ErrInvalidFile),
		errors.Is(err, cache.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.As(err, &failed):
		status = fiber.StatusBadGateway
		if upstreamStatus, upstreamReason := failed.Status(); upstreamStatus > 0 {
			status = upstreamStatus
			reason = upstreamReason
		}
	}

	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(status)
	if reason != "" {
		c.Response().Header.SetStatusMessage([]byte(reason))
	}
	h.metrics.RecordRequest(metrics.ResultError)

	fields := logging.RequestFields(requestID, c.Method(), cacheKey, cacheHit)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	entry := h.logger.WithFields(fields).WithError(err)
	switch {
	case status == fiber.StatusNotFound && failed == nil:
		entry.Debug("proxy_rejected")
	case status == fiber.StatusInternalServerError:
		entry.Error("proxy_failed")
	default:
		entry.Warn("proxy_upstream_failed")
	}
	return nil
}

func (h *Handler) logResult(requestID, method, cacheKey string, status int, cacheHit bool, started time.Time, err error) {
	fields := logging.RequestFields(requestID, method, cacheKey, cacheHit)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
