package debugsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"jobrunner/internal/jobs"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

type fakeJobs struct{ job jobs.Job }

func (f fakeJobs) Snapshot() jobs.Snapshot {
	return jobs.Snapshot{Running: true, Submitted: 3}
}

func (f fakeJobs) Job(id string) (jobs.Job, bool) {
	if id != f.job.ID {
		return jobs.Job{}, false
	}
	return f.job, true
}

type fakeHistory struct{ limit int }

func (f *fakeHistory) Recent(ctx context.Context, limit int) ([]storage.Entry, error) {
	f.limit = limit
	return []storage.Entry{{At: time.Unix(0, 0).UTC()}}, nil
}

func get(t *testing.T, h http.Handler, path string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(hdr) == 2 {
		req.Header.Set(hdr[0], hdr[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func wantCode(t *testing.T, h http.Handler, path string, code int, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	rec := get(t, h, path, hdr...)
	if rec.Code != code {
		t.Fatalf("GET %s = %d, want %d (body %q)", path, rec.Code, code, rec.Body.String())
	}
	return rec
}

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()
	hist := &fakeHistory{}
	s := New(Config{}, Sources{Jobs: fakeJobs{job: jobs.Job{ID: "abc", Kind: "echo"}}, History: hist}, logx.Nop())
	h := s.Handler(Config{})

	if body := wantCode(t, h, "/healthz", http.StatusOK).Body.String(); body != "ok" {
		t.Fatalf("healthz body = %q, want ok", body)
	}

	rec := wantCode(t, h, "/jobs", http.StatusOK)
	var snap jobs.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snap.Running || snap.Submitted != 3 {
		t.Fatalf("snapshot = %+v, want running with 3 submitted", snap)
	}

	rec = wantCode(t, h, "/jobs/abc", http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"echo"`) {
		t.Fatalf("job body %q missing kind", rec.Body.String())
	}
	wantCode(t, h, "/jobs/zzz", http.StatusNotFound)
	wantCode(t, h, "/schedules", http.StatusServiceUnavailable)

	wantCode(t, h, "/completions?limit=5", http.StatusOK)
	if hist.limit != 5 {
		t.Fatalf("history limit = %d, want 5", hist.limit)
	}
	wantCode(t, h, "/completions?limit=x", http.StatusBadRequest)

	wantCode(t, h, "/debug/pprof", http.StatusPermanentRedirect)
	wantCode(t, h, "/debug/pprof/", http.StatusOK)
}

func TestHandlerToken(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Sources{Jobs: fakeJobs{}}, logx.Nop())
	h := s.Handler(Config{Token: "sekret"})

	wantCode(t, h, "/jobs", http.StatusUnauthorized)
	wantCode(t, h, "/jobs?token=nope", http.StatusUnauthorized)
	wantCode(t, h, "/jobs?token=sekret", http.StatusOK)
	wantCode(t, h, "/jobs", http.StatusOK, "Authorization", "Bearer sekret")
	wantCode(t, h, "/jobs", http.StatusUnauthorized, "Authorization", "Bearer other")
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestServeLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Sources{Jobs: fakeJobs{}}, logx.Nop())
	s.Reconfigure(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"})

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("debug server never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := waitForHTTP(ctx, "http://"+s.Addr()+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if addr := s.Addr(); addr != "" {
		t.Fatalf("Addr after disable = %q, want empty", addr)
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil {
		t.Fatal("expected refusal to bind a public address without a token")
	}
}
