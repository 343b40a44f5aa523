package routes

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/package-cache/package-cache/internal/upstream"
	"github.com/package-cache/package-cache/internal/version"
)

// FetchTracker 暴露上游列表与在途回源，*upstream.Coordinator 为默认实现。
type FetchTracker interface {
	Sources() []string
	InFlight() []upstream.InFlightFetch
}

// DiagnosticsOptions 汇总诊断接口依赖，字段为空时对应接口不注册。
type DiagnosticsOptions struct {
	StoragePath string
	Fetches     FetchTracker
	Metrics     http.Handler
}

// RegisterDiagnosticsRoutes 暴露 /-/status 与 /-/metrics，供 SRE 查看缓存与回源状态。
func RegisterDiagnosticsRoutes(app *fiber.App, opts DiagnosticsOptions) {
	if app == nil {
		return
	}

	if opts.Fetches != nil {
		app.Get("/-/status", func(c fiber.Ctx) error {
			return c.JSON(buildStatus(opts, time.Now()))
		})
	}

	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics))
	}
}

type statusPayload struct {
	Version     string            `json:"version"`
	Commit      string            `json:"commit"`
	StoragePath string            `json:"storage_path"`
	Sources     []string          `json:"sources"`
	InFlight    []inFlightPayload `json:"in_flight"`
}

type inFlightPayload struct {
	Key     string    `json:"key"`
	Since   time.Time `json:"since"`
	AgeMS   int64     `json:"age_ms"`
	Started string    `json:"started"`
}

func buildStatus(opts DiagnosticsOptions, now time.Time) statusPayload {
	fetches := opts.Fetches.InFlight()
	inflight := make([]inFlightPayload, 0, len(fetches))
	for _, fetch := range fetches {
		inflight = append(inflight, inFlightPayload{
			Key:     fetch.Key.String(),
			Since:   fetch.Since.UTC(),
			AgeMS:   now.Sub(fetch.Since).Milliseconds(),
			Started: humanize.RelTime(fetch.Since, now, "ago", "from now"),
		})
	}

	sources := opts.Fetches.Sources()
	if sources == nil {
		sources = []string{}
	}

	return statusPayload{
		Version:     version.Version,
		Commit:      version.Commit,
		StoragePath: opts.StoragePath,
		Sources:     sources,
		InFlight:    inflight,
	}
}
