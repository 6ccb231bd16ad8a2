package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/datahub/internal/cache"
	"github.com/any-hub/datahub/internal/dispatch"
	"github.com/any-hub/datahub/internal/gate"
	"github.com/any-hub/datahub/internal/handlers/dmrpp"
	"github.com/any-hub/datahub/internal/handlers/raw"
	"github.com/any-hub/datahub/internal/metrics"
	"github.com/any-hub/datahub/internal/resource"
	"github.com/any-hub/datahub/internal/transport"
)

type testApp struct {
	*fiber.App
	upstream *httptest.Server
	hits     *atomic.Int32
}

func newTestApp(t *testing.T, g gate.Gate) *testApp {
	t.Helper()

	hits := &atomic.Int32{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/granule.h5":
			w.Header().Set("Content-Type", "application/x-hdf5")
			_, _ = io.WriteString(w, "HDF")
		case "/granule.h5.dmrpp":
			w.Header().Set("Content-Type", "application/xml")
			_, _ = io.WriteString(w, `<Dataset href="OPeNDAP_DMRpp_DATA_ACCESS_URL"/>`)
		case "/table.xyz":
			w.Header().Set("Content-Type", "application/x-unmapped")
			_, _ = io.WriteString(w, "???")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewStore(cache.Options{
		Dir:         t.TempDir(),
		Prefix:      "rc",
		LockTimeout: 5 * time.Second,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(store.UnlockAll)

	if g == nil {
		g = gate.AllowAll
	}
	collector := metrics.New(false)
	resolver, err := resource.NewResolver(resource.Options{
		Store:     store,
		Transport: transport.New(transport.Options{Timeout: 5 * time.Second, Logger: logger}),
		Gate:      g,
		Logger:    logger,
		Observer:  collector,
	})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}

	list := dispatch.NewList()
	list.Add("h5", raw.New("h5", "application/x-hdf5"))
	list.Add(dmrpp.Name, dmrpp.New())

	app, err := NewApp(AppOptions{
		Logger:     logger,
		Resolver:   resolver,
		Handlers:   list,
		Metrics:    collector,
		ListenPort: 8080,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return &testApp{App: app, upstream: upstream, hits: hits}
}

func (a *testApp) get(t *testing.T, target string, header ...string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := a.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func dataPath(rawURL, action string) string {
	q := url.Values{"url": {rawURL}}
	if action != "" {
		q.Set("action", action)
	}
	return "/data?" + q.Encode()
}

func TestDataServesAndCaches(t *testing.T) {
	app := newTestApp(t, nil)
	target := dataPath(app.upstream.URL+"/granule.h5", "")

	resp, body := app.get(t, target, "X-User-Id", "alice")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if body != "HDF" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if resp.Header.Get("X-Datahub-Cache-Hit") != "false" {
		t.Fatalf("first request should miss the cache")
	}

	resp, body = app.get(t, target)
	if resp.StatusCode != fiber.StatusOK || body != "HDF" {
		t.Fatalf("second request failed: %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Datahub-Cache-Hit") != "true" {
		t.Fatalf("second request should hit the cache")
	}
	if app.hits.Load() != 1 {
		t.Fatalf("upstream should be contacted once, got %d", app.hits.Load())
	}
}

func TestDataSubstitutesDmrpp(t *testing.T) {
	app := newTestApp(t, nil)
	resp, body := app.get(t, dataPath(app.upstream.URL+"/granule.h5.dmrpp", "get"))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	want := `<Dataset href="` + app.upstream.URL + `/granule.h5"/>`
	if body != want {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestDataHeadersAction(t *testing.T) {
	app := newTestApp(t, nil)
	resp, body := app.get(t, dataPath(app.upstream.URL+"/granule.h5", "headers"))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(body, "HTTP/1.1 200 OK\n") || !strings.Contains(body, "Content-Type: application/x-hdf5\n") {
		t.Fatalf("unexpected headers body %q", body)
	}
}

func TestDataErrorMapping(t *testing.T) {
	deny, err := gate.NewAllowList([]string{`^https://nowhere\.invalid/`})
	if err != nil {
		t.Fatalf("allow list: %v", err)
	}
	denied := newTestApp(t, deny)
	app := newTestApp(t, nil)

	cases := []struct {
		name   string
		app    *testApp
		target string
		status int
		code   string
	}{
		{"missing url", app, "/data", fiber.StatusBadRequest, "invalid_input"},
		{"bad scheme", app, dataPath("ftp://example.org/x", ""), fiber.StatusBadRequest, "invalid_input"},
		{"denied", denied, dataPath(denied.upstream.URL+"/granule.h5", ""), fiber.StatusForbidden, "permission_denied"},
		{"upstream 404", app, dataPath(app.upstream.URL+"/missing.h5", ""), fiber.StatusBadGateway, "transport_failure"},
		{"no handler", app, dataPath(app.upstream.URL+"/table.xyz", ""), fiber.StatusNotImplemented, "no_handler"},
		{"no method", app, dataPath(app.upstream.URL+"/granule.h5", "das"), fiber.StatusNotImplemented, "no_method"},
	}
	for _, tc := range cases {
		resp, body := tc.app.get(t, tc.target)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, resp.StatusCode, body)
		}
		if !strings.Contains(body, `"`+tc.code+`"`) {
			t.Fatalf("%s: expected code %s, got %s", tc.name, tc.code, body)
		}
	}
}

func TestDiagnosticsRoutes(t *testing.T) {
	app := newTestApp(t, nil)
	app.get(t, dataPath(app.upstream.URL+"/granule.h5", ""))

	resp, body := app.get(t, "/-/cache?entries=true")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("cache stats failed: %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"entries":[`) || !strings.Contains(body, `"held_locks":0`) {
		t.Fatalf("unexpected cache payload %s", body)
	}

	resp, body = app.get(t, "/-/handlers")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("handlers failed: %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"name":"dmrpp"`) || !strings.Contains(body, `"substitution":true`) {
		t.Fatalf("unexpected handlers payload %s", body)
	}

	resp, body = app.get(t, "/-/metrics")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("metrics failed: %d", resp.StatusCode)
	}
	if !strings.Contains(body, "datahub_fetches_total 1") {
		t.Fatalf("metrics should count the fetch: %s", body)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	app := newTestApp(t, nil)
	resp, body := app.get(t, "/v2/")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if !bytes.Contains([]byte(body), []byte(`"not_found"`)) {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("missing logger should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logrus.New()}); err == nil {
		t.Fatalf("missing resolver should fail")
	}
}
