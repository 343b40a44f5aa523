package integration

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"
)

// mirrorStub 模拟一个包镜像：按路径返回固定内容，可注入失败状态、
// 阻塞放行或截断正文，并记录收到的请求。
type mirrorStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu        sync.Mutex
	requests  []RecordedRequest
	files     map[string][]byte
	statuses  map[string]int
	truncated map[string]bool
	gate      chan struct{}
}

// RecordedRequest 捕获每次请求的方法/路径/Headers，便于断言代理行为。
type RecordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
}

func newMirrorStub(t *testing.T) *mirrorStub {
	t.Helper()

	stub := &mirrorStub{
		files:     make(map[string][]byte),
		statuses:  make(map[string]int),
		truncated: make(map[string]bool),
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start mirror stub listener: %v", err)
	}
	stub.server = &http.Server{Handler: http.HandlerFunc(stub.serve)}
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = stub.server.Serve(listener)
	}()
	t.Cleanup(stub.Close)
	return stub
}

func (s *mirrorStub) Close() {
	if s == nil {
		return
	}
	s.Release()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// Put 注册 path 对应的正文。
func (s *mirrorStub) Put(path string, body []byte) {
	s.mu.Lock()
	s.files[path] = body
	s.mu.Unlock()
}

// Fail 让 path 固定返回 status。
func (s *mirrorStub) Fail(path string, status int) {
	s.mu.Lock()
	s.statuses[path] = status
	s.mu.Unlock()
}

// Truncate 让 path 声明完整 Content-Length 但只写出一半正文后断开连接。
func (s *mirrorStub) Truncate(path string) {
	s.mu.Lock()
	s.truncated[path] = true
	s.mu.Unlock()
}

// Hold 让后续请求阻塞，直到 Release 被调用。
func (s *mirrorStub) Hold() {
	s.mu.Lock()
	s.gate = make(chan struct{})
	s.mu.Unlock()
}

// Release 放行所有阻塞中的请求。
func (s *mirrorStub) Release() {
	s.mu.Lock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
	s.mu.Unlock()
}

func (s *mirrorStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RecordedRequest, len(s.requests))
	copy(result, s.requests)
	return result
}

func (s *mirrorStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
	})
	gate := s.gate
	status := s.statuses[r.URL.Path]
	body, ok := s.files[r.URL.Path]
	truncate := s.truncated[r.URL.Path]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	switch {
	case status != 0:
		http.Error(w, http.StatusText(status), status)
	case !ok:
		http.NotFound(w, r)
	case truncate:
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body[:len(body)/2])
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
			}
		}
	default:
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Last-Modified", "Tue, 01 Jan 2030 00:00:00 GMT")
		_, _ = w.Write(body)
	}
}
