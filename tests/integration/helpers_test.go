package integration

import (
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/package-cache/package-cache/internal/cache"
	"github.com/package-cache/package-cache/internal/config"
	"github.com/package-cache/package-cache/internal/logging"
	"github.com/package-cache/package-cache/internal/metrics"
	"github.com/package-cache/package-cache/internal/proxy"
	"github.com/package-cache/package-cache/internal/server"
	"github.com/package-cache/package-cache/internal/server/routes"
	"github.com/package-cache/package-cache/internal/upstream"
)

// proxyEnv 在真实端口上运行完整的代理栈。
type proxyEnv struct {
	URL         string
	StoragePath string
	Coordinator *upstream.Coordinator
}

func startProxy(t *testing.T, sources ...string) *proxyEnv {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenHost:      "127.0.0.1",
			StoragePath:     t.TempDir(),
			UpstreamTimeout: config.Duration(10 * time.Second),
		},
		Sources: sources,
	}
	logger := logging.Discard()
	recorder := metrics.New(nil)
	coordinator := upstream.NewCoordinator(cfg.Sources, upstream.NewFetcher(upstream.NewClient(cfg), logger), logger, recorder)

	store, err := cache.NewStore(cfg.Global.StoragePath, coordinator)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Proxy:  proxy.NewHandler(store, logger, recorder),
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterDiagnosticsRoutes(app, routes.DiagnosticsOptions{
		StoragePath: store.Root(),
		Fetches:     coordinator,
		Metrics:     recorder.Handler(),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to listen: %v", err)
	}
	go func() {
		_ = app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	t.Cleanup(func() { _ = app.Shutdown() })

	return &proxyEnv{
		URL:         "http://" + ln.Addr().String(),
		StoragePath: store.Root(),
		Coordinator: coordinator,
	}
}

func (e *proxyEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

func assertNoPartialFiles(t *testing.T, root string) {
	t.Helper()
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasSuffix(d.Name(), ".part") {
			return errors.New("temp file left behind: " + path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("%v", err)
	}
}
