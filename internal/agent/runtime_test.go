package agent_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-offline/internal/agent"
	"github.com/basket/go-offline/internal/bus"
	"github.com/basket/go-offline/internal/config"
	"github.com/basket/go-offline/internal/lifecycle"
)

// flakyTransport fails every round trip while down is set.
type flakyTransport struct {
	down atomic.Bool
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.down.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return http.DefaultTransport.RoundTrip(r)
}

type fixture struct {
	rt        *agent.Runtime
	home      string
	transport *flakyTransport

	mu    sync.Mutex
	posts []string
}

func (f *fixture) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{home: t.TempDir(), transport: &flakyTransport{}}

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			b, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.posts = append(f.posts, r.URL.Path+" "+string(b))
			f.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			return
		}
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html>shell</html>")
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			fmt.Fprint(w, "console.log(1)")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	yaml := strings.Join([]string{
		"origin: " + origin.URL,
		"version: v1",
		"manifest: [\"/\", \"/app.js\"]",
		"routes:",
		"  deferred_prefixes: [\"/api/notes\"]",
		"schedules:",
		"  update_check: \"@daily\"",
		"  sync: \"@daily\"",
		"  probe: \"@daily\"",
		"network_timeout_seconds: 2",
	}, "\n") + "\n"
	if err := os.WriteFile(config.ConfigPath(f.home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadFrom(f.home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	rt, err := agent.New(agent.Options{
		Config:     cfg,
		Bus:        bus.New(),
		HTTPClient: &http.Client{Transport: f.transport},
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	f.rt = rt
	t.Cleanup(func() { _ = rt.Close() })
	return f
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestRuntime_StartInstallsConfiguredVersion(t *testing.T) {
	f := newFixture(t)
	if err := f.rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := f.rt.Lifecycle.ActiveVersion(); got != "v1" {
		t.Fatalf("active version = %q, want v1", got)
	}

	f.transport.down.Store(true)
	rec := httptest.NewRecorder()
	f.rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "console.log(1)" {
		t.Fatalf("offline asset: %d %q", rec.Code, rec.Body.String())
	}
}

func TestRuntime_StartSurvivesUnreachableOrigin(t *testing.T) {
	f := newFixture(t)
	f.transport.down.Store(true)
	if err := f.rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := f.rt.Lifecycle.ActiveVersion(); got != "" {
		t.Fatalf("nothing should be active, got %q", got)
	}

	f.transport.down.Store(false)
	res, err := f.rt.CheckForUpdate(context.Background())
	if err != nil {
		t.Fatalf("retry install: %v", err)
	}
	if !res.Installed || res.Version != "v1" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRuntime_CheckForUpdateReloadsVersion(t *testing.T) {
	f := newFixture(t)
	if err := f.rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := f.rt.CheckForUpdate(context.Background())
	if err != nil || res.Waiting || !res.Installed {
		t.Fatalf("same version should be a no-op: %+v %v", res, err)
	}

	if err := config.SetVersion(f.home, "v2", "faster sync"); err != nil {
		t.Fatalf("set version: %v", err)
	}
	res, err = f.rt.CheckForUpdate(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Waiting || res.Version != "v2" {
		t.Fatalf("expected v2 waiting, got %+v", res)
	}
	if st := f.rt.Lifecycle.Status(); st.Waiting == nil || st.Waiting.State != lifecycle.StateWaiting {
		t.Fatalf("status = %+v", st)
	}
	if got := f.rt.Config().ReleaseNotes; got != "faster sync" {
		t.Fatalf("notes = %q", got)
	}
}

func TestRuntime_ProbeReconnectDrainsQueue(t *testing.T) {
	f := newFixture(t)
	if err := f.rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sub := f.rt.Bus.Subscribe(bus.TopicConnectivity)
	defer f.rt.Bus.Unsubscribe(sub)

	f.transport.down.Store(true)
	if err := f.rt.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if online, known := f.rt.Online(); !known || online {
		t.Fatalf("expected offline, got online=%v known=%v", online, known)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/notes", strings.NewReader(`{"text":"hi"}`))
	f.rt.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("offline write: %d %q", rec.Code, rec.Body.String())
	}

	f.transport.down.Store(false)
	if err := f.rt.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if online, _ := f.rt.Online(); !online {
		t.Fatal("expected online")
	}
	posts := f.recorded()
	if len(posts) != 1 || posts[0] != `/api/notes {"text":"hi"}` {
		t.Fatalf("origin posts = %v", posts)
	}
	depth, err := f.rt.Store.DeferredDepth(context.Background())
	if err != nil || depth != 0 {
		t.Fatalf("depth = %d, %v", depth, err)
	}

	var seen []bool
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-sub.Ch():
			seen = append(seen, ev.Payload.(bus.ConnectivityEvent).Online)
		case <-timeout:
			t.Fatalf("connectivity events = %v", seen)
		}
	}
	if seen[0] || !seen[1] {
		t.Fatalf("connectivity events = %v", seen)
	}
}

func TestRuntime_SchedulerRegistersJobs(t *testing.T) {
	f := newFixture(t)
	names := map[string]bool{}
	for _, st := range f.rt.Scheduler.Jobs() {
		names[st.Name] = true
	}
	for _, want := range []string{agent.JobUpdateCheck, agent.JobSync, agent.JobProbe, agent.JobRetention} {
		if !names[want] {
			t.Fatalf("missing job %q in %v", want, names)
		}
	}
	if err := f.rt.Scheduler.RunNow(context.Background(), agent.JobRetention); err != nil {
		t.Fatalf("retention: %v", err)
	}
}
