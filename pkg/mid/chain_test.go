package mid

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/time/rate"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
})

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(s string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, s)
				next.ServeHTTP(w, r)
			})
		}
	}
	serve(Chain(ok, tag("a"), tag("b"), tag("c")), http.MethodGet, "/")
	if strings.Join(order, "") != "abc" {
		t.Fatalf("expected abc, got %v", order)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Logger(log)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream"))
	}))

	rec := serve(h, http.MethodGet, "/locations?radius=5")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line: %v (%s)", err, buf.String())
	}
	if line["level"] != "ERROR" || line["status"] != float64(502) || line["bytes"] != float64(8) {
		t.Fatalf("unexpected log line %v", line)
	}
	if line["query"] != "radius=5" {
		t.Fatalf("query not logged: %v", line)
	}
}

func TestLogger_ImplicitOK(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(slog.New(slog.NewJSONHandler(&buf, nil)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	serve(h, http.MethodGet, "/")
	if !strings.Contains(buf.String(), `"status":200`) {
		t.Fatalf("expected status 200 in %s", buf.String())
	}
}

func TestRecover(t *testing.T) {
	h := Recover(quiet())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := serve(h, http.MethodGet, "/")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error"`) {
		t.Fatalf("expected JSON error body, got %s", rec.Body.String())
	}
}

func TestCORS(t *testing.T) {
	h := CORS("https://maps.example")(ok)

	pre := serve(h, http.MethodOptions, "/locations")
	if pre.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", pre.Code)
	}
	if pre.Header().Get("Vary") != "Origin" {
		t.Fatal("expected Vary: Origin for a fixed origin")
	}

	get := serve(h, http.MethodGet, "/locations")
	if get.Code != http.StatusOK || get.Header().Get("Access-Control-Allow-Origin") != "https://maps.example" {
		t.Fatalf("GET: code %d headers %v", get.Code, get.Header())
	}

	if serve(CORS("*")(ok), http.MethodGet, "/").Header().Get("Vary") != "" {
		t.Fatal("wildcard origin should not vary")
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(rate.NewLimiter(rate.Every(1<<62), 2))(ok)
	for i := 0; i < 2; i++ {
		if rec := serve(h, http.MethodGet, "/"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := serve(h, http.MethodGet, "/")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestRateLimit_NilDisabled(t *testing.T) {
	h := RateLimit(nil)(ok)
	for i := 0; i < 5; i++ {
		if rec := serve(h, http.MethodGet, "/"); rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, "bad radius")
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatal("expected JSON content type")
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] != "bad radius" {
		t.Fatalf("body %v err %v", body, err)
	}
}
