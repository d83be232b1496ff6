package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/spillway/internal/auth"
	"github.com/tinytelemetry/spillway/internal/buffer"
	"github.com/tinytelemetry/spillway/internal/delivery"
	"github.com/tinytelemetry/spillway/internal/metrics"
	"github.com/tinytelemetry/spillway/internal/model"
	"github.com/tinytelemetry/spillway/internal/normalize"
	"github.com/tinytelemetry/spillway/internal/secretcache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticSecret struct {
	value string
	err   error
}

func (s staticSecret) Get(context.Context) (string, error) { return s.value, s.err }

type blockingSecret struct{}

func (blockingSecret) Get(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", fmt.Errorf("%w: %v", model.ErrSecretUnavailable, ctx.Err())
}

type fakeBuffer struct {
	mu      sync.Mutex
	records []model.Record
	err     error
}

func (b *fakeBuffer) Append(r model.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.records = append(b.records, r)
	return nil
}

func (b *fakeBuffer) Stats() buffer.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return buffer.Stats{OpenRecords: len(b.records)}
}

func newTestServer(t *testing.T, secrets auth.SecretSource, buf Buffer, cfg ...Config) http.Handler {
	t.Helper()
	var c Config
	if len(cfg) > 0 {
		c = cfg[0]
	}
	srv := NewServer(c, auth.NewGate(secrets), normalize.New(), buf)
	return srv.Handler()
}

func post(t *testing.T, h http.Handler, credential string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(http.MethodPost, DefaultIngestPath, nil)
	} else {
		req = httptest.NewRequest(http.MethodPost, DefaultIngestPath, bytes.NewReader(body))
	}
	if credential != "" {
		req.Header.Set(DefaultAuthHeader, credential)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", w.Body.String(), err)
	}
	return w, resp
}

func TestIngest_ResponseTable(t *testing.T) {
	tests := []struct {
		name       string
		secrets    auth.SecretSource
		bufErr     error
		credential string
		body       []byte
		wantCode   int
		wantMsg    string
		wantError  bool
		wantAppend bool
	}{
		{
			name:     "missing credential",
			secrets:  staticSecret{value: "xyz"},
			body:     []byte(`{"a":1}`),
			wantCode: http.StatusUnauthorized,
			wantMsg:  "credential required",
		},
		{
			name:       "wrong credential",
			secrets:    staticSecret{value: "xyz"},
			credential: "abc",
			body:       []byte(`{"a":1}`),
			wantCode:   http.StatusForbidden,
			wantMsg:    "invalid credential",
		},
		{
			name:       "missing body",
			secrets:    staticSecret{value: "xyz"},
			credential: "xyz",
			wantCode:   http.StatusBadRequest,
			wantMsg:    "missing body",
		},
		{
			name:       "malformed json",
			secrets:    staticSecret{value: "xyz"},
			credential: "xyz",
			body:       []byte(`{"a":`),
			wantCode:   http.StatusBadRequest,
			wantMsg:    "invalid JSON",
		},
		{
			name:       "array body",
			secrets:    staticSecret{value: "xyz"},
			credential: "xyz",
			body:       []byte(`[1,2]`),
			wantCode:   http.StatusBadRequest,
			wantMsg:    "invalid JSON",
		},
		{
			name:       "accepted",
			secrets:    staticSecret{value: "xyz"},
			credential: "xyz",
			body:       []byte(`{"a":1}`),
			wantCode:   http.StatusOK,
			wantMsg:    "ingested",
			wantAppend: true,
		},
		{
			name:       "secret unavailable",
			secrets:    staticSecret{err: fmt.Errorf("%w: boom", model.ErrSecretUnavailable)},
			credential: "xyz",
			body:       []byte(`{"a":1}`),
			wantCode:   http.StatusInternalServerError,
			wantMsg:    "secret unavailable",
			wantError:  true,
		},
		{
			name:       "queue full",
			secrets:    staticSecret{value: "xyz"},
			bufErr:     model.ErrQueueFull,
			credential: "xyz",
			body:       []byte(`{"a":1}`),
			wantCode:   http.StatusInternalServerError,
			wantMsg:    "delivery enqueue",
			wantError:  true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			buf := &fakeBuffer{err: tt.bufErr}
			h := newTestServer(t, tt.secrets, buf)

			w, resp := post(t, h, tt.credential, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if resp["message"] != tt.wantMsg {
				t.Fatalf("message = %v, want %q", resp["message"], tt.wantMsg)
			}
			if _, ok := resp["error"]; ok != tt.wantError {
				t.Fatalf("error field present = %v, want %v", ok, tt.wantError)
			}
			if got := len(buf.records); (got == 1) != tt.wantAppend {
				t.Fatalf("appended records = %d, want append=%v", got, tt.wantAppend)
			}
		})
	}
}

func TestIngest_BodyTooLarge(t *testing.T) {
	buf := &fakeBuffer{}
	h := newTestServer(t, staticSecret{value: "xyz"}, buf, Config{MaxBodyBytes: 16})

	w, resp := post(t, h, "xyz", []byte(`{"payload":"`+strings.Repeat("x", 64)+`"}`))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
	if resp["message"] != "body too large" {
		t.Fatalf("message = %v", resp["message"])
	}
	if len(buf.records) != 0 {
		t.Fatal("oversized body was appended")
	}
}

func TestIngest_RequestDeadline(t *testing.T) {
	buf := &fakeBuffer{}
	h := newTestServer(t, blockingSecret{}, buf, Config{RequestTimeout: 50 * time.Millisecond})

	start := time.Now()
	w, _ := post(t, h, "xyz", []byte(`{"a":1}`))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("request took %v, deadline not applied", elapsed)
	}
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestIngest_CustomHeaderAndPath(t *testing.T) {
	buf := &fakeBuffer{}
	h := newTestServer(t, staticSecret{value: "xyz"}, buf, Config{IngestPath: "/v1/events", AuthHeader: "X-Token"})

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(`{"a":1}`))
	req.Header.Set("X-Token", "xyz")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestIngest_WrongMethod(t *testing.T) {
	h := newTestServer(t, staticSecret{value: "xyz"}, &fakeBuffer{})

	req := httptest.NewRequest(http.MethodGet, DefaultIngestPath, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code == http.StatusOK {
		t.Fatalf("GET %s returned 200", DefaultIngestPath)
	}
}

func TestHealthEndpoint(t *testing.T) {
	buf := &fakeBuffer{records: []model.Record{{"a": 1}}}
	h := newTestServer(t, staticSecret{value: "xyz"}, buf)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Status string       `json:"status"`
		Buffer buffer.Stats `json:"buffer"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body.Status != "ok" || body.Buffer.OpenRecords != 1 {
		t.Fatalf("health = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.Init()
	h := newTestServer(t, staticSecret{value: "xyz"}, &fakeBuffer{}, Config{
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	post(t, h, "", []byte(`{}`))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `spillway_ingest_requests_total{outcome="unauthorized"}`) {
		t.Fatalf("metrics output missing ingest counter:\n%s", w.Body.String())
	}
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	h := newTestServer(t, staticSecret{value: "xyz"}, &fakeBuffer{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("metrics status = %d, want 404", w.Code)
	}
}

func TestGinRecovery(t *testing.T) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("panic recovery status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// End-to-end: HTTP ingest through the real gate, normalizer, engine and
// delivery sink into an in-memory object store.

type memStore struct {
	mu      sync.Mutex
	objects []model.Object
}

func (m *memStore) PutObject(_ context.Context, obj model.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = append(m.objects, obj)
	return nil
}

type envFetcher map[string]string

func (f envFetcher) FetchSecret(_ context.Context, name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", model.ErrSecretUnavailable
	}
	return v, nil
}

func newPipeline(t *testing.T) (http.Handler, *buffer.Engine, *memStore) {
	t.Helper()
	store := &memStore{}
	sink := delivery.NewSink(store, delivery.Config{Channel: "events"})
	engine := buffer.NewEngine(sink, buffer.Config{CheckInterval: time.Hour})
	cache := secretcache.New(envFetcher{"ingest-key": "xyz"}, "ingest-key")
	srv := NewServer(Config{}, auth.NewGate(cache), normalize.New(), engine)
	return srv.Handler(), engine, store
}

func drainEngine(t *testing.T, e *buffer.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func deliveredRecords(t *testing.T, store *memStore) []map[string]any {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	var out []map[string]any
	for _, obj := range store.objects {
		for _, line := range bytes.Split(bytes.TrimSuffix(obj.Body, []byte("\n")), []byte("\n")) {
			var m map[string]any
			if err := json.Unmarshal(line, &m); err != nil {
				t.Fatalf("decode delivered line %q: %v", line, err)
			}
			out = append(out, m)
		}
	}
	return out
}

func TestPipeline_ForbiddenAppendsNothing(t *testing.T) {
	h, engine, store := newPipeline(t)

	w, _ := post(t, h, "abc", []byte(`{"value":42}`))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if st := engine.Stats(); st.OpenRecords != 0 {
		t.Fatalf("open records = %d after forbidden request", st.OpenRecords)
	}
	drainEngine(t, engine)
	if len(store.objects) != 0 {
		t.Fatalf("delivered %d objects, want 0", len(store.objects))
	}
}

func TestPipeline_TimestampInjectionAndPassThrough(t *testing.T) {
	h, engine, store := newPipeline(t)

	if w, _ := post(t, h, "xyz", []byte(`{"value":42}`)); w.Code != http.StatusOK {
		t.Fatalf("first status = %d", w.Code)
	}
	if w, _ := post(t, h, "xyz", []byte(`{"value":42,"timestamp":"2020-01-01T00:00:00.000Z"}`)); w.Code != http.StatusOK {
		t.Fatalf("second status = %d", w.Code)
	}
	drainEngine(t, engine)

	recs := deliveredRecords(t, store)
	if len(recs) != 2 {
		t.Fatalf("delivered records = %d, want 2", len(recs))
	}
	for _, r := range recs {
		if r["value"] != float64(42) {
			t.Fatalf("value = %v, want 42", r["value"])
		}
	}
	ts, ok := recs[0]["timestamp"].(string)
	if !ok {
		t.Fatalf("first record has no timestamp: %v", recs[0])
	}
	if _, err := time.Parse(normalize.TimestampLayout, ts); err != nil {
		t.Fatalf("injected timestamp %q: %v", ts, err)
	}
	if recs[1]["timestamp"] != "2020-01-01T00:00:00.000Z" {
		t.Fatalf("pass-through timestamp = %v", recs[1]["timestamp"])
	}
}

func TestServe_ReturnsNilAfterStop(t *testing.T) {
	srv := NewServer(Config{Addr: "127.0.0.1:0"}, auth.NewGate(staticSecret{value: "xyz"}), normalize.New(), &fakeBuffer{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	url := "http://" + srv.listener.Addr().String() + "/api/health"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve after Stop = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestServe_ReportsListenerFailure(t *testing.T) {
	srv := NewServer(Config{Addr: "127.0.0.1:0"}, auth.NewGate(staticSecret{value: "xyz"}), normalize.New(), &fakeBuffer{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The listener dies underneath the server.
	_ = srv.listener.Close()

	if err := srv.Serve(); err == nil {
		t.Fatal("Serve on a dead listener returned nil")
	}
	_ = srv.Stop(context.Background())
}

func TestServe_BeforeStart(t *testing.T) {
	srv := NewServer(Config{}, auth.NewGate(staticSecret{value: "xyz"}), normalize.New(), &fakeBuffer{})
	if err := srv.Serve(); err == nil {
		t.Fatal("expected error serving before Start")
	}
}

type fakeObjects struct {
	objects map[string]model.Object
	infos   []model.ObjectInfo
	channel string
	limit   int
}

func (f *fakeObjects) ObjectCount(context.Context) (int64, error) {
	return int64(len(f.objects)), nil
}

func (f *fakeObjects) ListObjects(_ context.Context, channel string, limit int) ([]model.ObjectInfo, error) {
	f.channel, f.limit = channel, limit
	return f.infos, nil
}

func (f *fakeObjects) GetObject(_ context.Context, key string) (model.Object, error) {
	obj, ok := f.objects[key]
	if !ok {
		return model.Object{}, fmt.Errorf("%w: %s", model.ErrObjectNotFound, key)
	}
	return obj, nil
}

func TestObjectsEndpoints(t *testing.T) {
	objs := &fakeObjects{
		objects: map[string]model.Object{
			"events/2024/01/01/00/events-1-a.jsonl.gz": {
				Key:             "events/2024/01/01/00/events-1-a.jsonl.gz",
				Body:            []byte("zipped"),
				ContentType:     "application/x-ndjson",
				ContentEncoding: "gzip",
			},
		},
		infos: []model.ObjectInfo{{Key: "events/2024/01/01/00/events-1-a.jsonl.gz", Channel: "events", RecordCount: 3}},
	}
	h := newTestServer(t, staticSecret{value: "xyz"}, &fakeBuffer{}, Config{Objects: objs})

	t.Run("list", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/objects?channel=events&limit=5", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var body struct {
			Objects []model.ObjectInfo `json:"objects"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(body.Objects) != 1 || body.Objects[0].RecordCount != 3 {
			t.Fatalf("objects = %+v", body.Objects)
		}
		if objs.channel != "events" || objs.limit != 5 {
			t.Fatalf("ListObjects called with channel=%q limit=%d", objs.channel, objs.limit)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/objects?limit=-1", nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})

	t.Run("get", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/objects/events/2024/01/01/00/events-1-a.jsonl.gz", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if w.Body.String() != "zipped" {
			t.Fatalf("body = %q", w.Body.String())
		}
		if w.Header().Get("Content-Encoding") != "gzip" || w.Header().Get("Content-Type") != "application/x-ndjson" {
			t.Fatalf("headers = %v", w.Header())
		}
	})

	t.Run("missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/objects/events/nope.jsonl", nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
	})

	t.Run("health counts objects", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if body["objects"] != float64(1) {
			t.Fatalf("health objects = %v, want 1", body["objects"])
		}
	})
}

func TestObjectsEndpoints_DisabledWithoutBrowser(t *testing.T) {
	h := newTestServer(t, staticSecret{value: "xyz"}, &fakeBuffer{})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/objects", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
