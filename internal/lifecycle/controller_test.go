package lifecycle_test

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-offline/internal/bus"
	"github.com/basket/go-offline/internal/cache"
	"github.com/basket/go-offline/internal/lifecycle"
	"github.com/basket/go-offline/internal/persistence"
	"github.com/basket/go-offline/internal/strategy"
	perrors "github.com/jmgilman/go/errors"
)

type originFake struct {
	mu     sync.Mutex
	assets map[string]*cache.Response
	calls  int
}

func newOrigin() *originFake {
	o := &originFake{assets: map[string]*cache.Response{}}
	for _, p := range []string{"/", "/index.html", "/app.js", "/app.css"} {
		o.assets[p] = &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("asset " + p)}
	}
	return o
}

func (o *originFake) Fetch(_ context.Context, req *strategy.Request) (*cache.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	resp, ok := o.assets[req.URL]
	if !ok {
		return nil, perrors.New(perrors.CodeNetwork, "origin unreachable")
	}
	return resp.Clone(), nil
}

func (o *originFake) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

type fixture struct {
	db     *persistence.Store
	reg    *cache.Registry
	origin *originFake
	bus    *bus.Bus
	ctrl   *lifecycle.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "offlined.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	f := &fixture{db: db, reg: cache.NewRegistry(db), origin: newOrigin(), bus: bus.New()}
	f.ctrl = f.newController()
	return f
}

func (f *fixture) newController() *lifecycle.Controller {
	return lifecycle.New(lifecycle.Options{
		Stores:      f.reg,
		Fetcher:     f.origin,
		KV:          f.db,
		Bus:         f.bus,
		StorePrefix: "app",
	})
}

var manifest = []string{"/", "/index.html", "/app.js", "/app.css"}

func storeNames(t *testing.T, reg *cache.Registry) []string {
	t.Helper()
	names, err := reg.Names(context.Background())
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	sort.Strings(names)
	return names
}

func waitForEvent(t *testing.T, sub *bus.Subscription, topic string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			if ev.Topic == topic {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]lifecycle.State{
		{lifecycle.StateInstalling, lifecycle.StateWaiting},
		{lifecycle.StateInstalling, lifecycle.StateRedundant},
		{lifecycle.StateWaiting, lifecycle.StateActivating},
		{lifecycle.StateWaiting, lifecycle.StateRedundant},
		{lifecycle.StateActivating, lifecycle.StateActive},
		{lifecycle.StateActive, lifecycle.StateRedundant},
	}
	for _, e := range legal {
		if !lifecycle.CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be legal", e[0], e[1])
		}
	}
	illegal := [][2]lifecycle.State{
		{lifecycle.StateInstalling, lifecycle.StateActive},
		{lifecycle.StateWaiting, lifecycle.StateActive},
		{lifecycle.StateActivating, lifecycle.StateRedundant},
		{lifecycle.StateRedundant, lifecycle.StateActive},
		{lifecycle.StateActive, lifecycle.StateWaiting},
	}
	for _, e := range illegal {
		if lifecycle.CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be rejected", e[0], e[1])
		}
	}
}

func TestRegister_FirstInstallActivatesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe("lifecycle.")
	defer f.bus.Unsubscribe(sub)

	inst, err := f.ctrl.Register(ctx, lifecycle.Release{Version: "v1", Manifest: manifest})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if inst.State != lifecycle.StateActive {
		t.Fatalf("expected active, got %s", inst.State)
	}
	static, dynamic, ok := f.ctrl.CurrentStores()
	if !ok || static.Name != "app-static-v1" || dynamic.Name != "app-dynamic-v1" {
		t.Fatalf("unexpected current stores %v %v %v", static, dynamic, ok)
	}
	keys, err := f.reg.Keys(ctx, static)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != len(manifest) {
		t.Fatalf("expected %d pre-warmed entries, got %v", len(manifest), keys)
	}
	waitForEvent(t, sub, bus.TopicControllerChanged)
}

func TestRegister_LaterInstallWaitsUntilSkipWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.ctrl.Register(ctx, lifecycle.Release{Version: "v1", Manifest: manifest}); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	sub := f.bus.Subscribe("lifecycle.")
	defer f.bus.Unsubscribe(sub)

	inst, err := f.ctrl.Register(ctx, lifecycle.Release{Version: "v2", Manifest: manifest, Notes: "new charts"})
	if err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if inst.State != lifecycle.StateWaiting {
		t.Fatalf("expected waiting, got %s", inst.State)
	}
	ev := waitForEvent(t, sub, bus.TopicUpdateAvailable)
	upd := ev.Payload.(bus.UpdateEvent)
	if upd.CurrentVersion != "v1" || upd.NewVersion != "v2" || upd.Notes != "new charts" {
		t.Fatalf("unexpected update event %+v", upd)
	}

	// v1 keeps serving and its stores survive while v2 waits.
	if f.ctrl.ActiveVersion() != "v1" {
		t.Fatalf("active changed before skip waiting: %s", f.ctrl.ActiveVersion())
	}
	if got := storeNames(t, f.reg); len(got) != 3 {
		t.Fatalf("no cleanup may happen before activation, got %v", got)
	}

	if err := f.ctrl.SkipWaiting(ctx); err != nil {
		t.Fatalf("skip waiting: %v", err)
	}
	if f.ctrl.ActiveVersion() != "v2" {
		t.Fatalf("expected v2 active, got %s", f.ctrl.ActiveVersion())
	}
	want := []string{"app-dynamic-v2", "app-static-v2"}
	if got := storeNames(t, f.reg); !equal(got, want) {
		t.Fatalf("expected %v after activation, got %v", want, got)
	}
	st := f.ctrl.Status()
	if st.Waiting != nil || st.Active.Version != "v2" || st.Table[strategy.StaticStore] != "v2" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestActivate_ThreeVersionsLeavesExactlyTwoStores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, v := range []string{"v1", "v2"} {
		for _, logical := range []string{strategy.StaticStore, strategy.DynamicStore} {
			if _, err := f.reg.Open(ctx, cache.StoreName("app", logical, v), logical, v); err != nil {
				t.Fatalf("seed %s %s: %v", logical, v, err)
			}
		}
	}

	if _, err := f.ctrl.Register(ctx, lifecycle.Release{Version: "v3", Manifest: manifest}); err != nil {
		t.Fatalf("register v3: %v", err)
	}
	want := []string{"app-dynamic-v3", "app-static-v3"}
	if got := storeNames(t, f.reg); !equal(got, want) {
		t.Fatalf("expected exactly %v, got %v", want, got)
	}
	retained := f.ctrl.Retained()
	sort.Strings(retained)
	if !equal(retained, want) {
		t.Fatalf("retained set %v != %v", retained, want)
	}
}

func TestInstallFailure_LeavesActiveUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.ctrl.Register(ctx, lifecycle.Release{Version: "v1", Manifest: manifest}); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	sub := f.bus.Subscribe(bus.TopicInstallFailed)
	defer f.bus.Unsubscribe(sub)

	broken := append(append([]string{}, manifest...), "/missing.png")
	_, err := f.ctrl.Register(ctx, lifecycle.Release{Version: "v2", Manifest: broken})
	if err == nil {
		t.Fatal("expected install failure")
	}
	if perrors.GetCode(err) != perrors.CodeExecutionFailed {
		t.Fatalf("expected CodeExecutionFailed, got %s", perrors.GetCode(err))
	}
	ev := waitForEvent(t, sub, bus.TopicInstallFailed)
	if ev.Payload.(bus.InstallFailedEvent).URL != "/missing.png" {
		t.Fatalf("failing url not reported: %+v", ev.Payload)
	}

	if f.ctrl.ActiveVersion() != "v1" {
		t.Fatalf("active version changed to %s", f.ctrl.ActiveVersion())
	}
	if st := f.ctrl.Status(); st.Waiting != nil || st.Installing != nil {
		t.Fatalf("failed version must not wait: %+v", st)
	}
	want := []string{"app-dynamic-v1", "app-static-v1"}
	if got := storeNames(t, f.reg); !equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	static, _, _ := f.ctrl.CurrentStores()
	keys, _ := f.reg.Keys(ctx, static)
	if len(keys) != len(manifest) {
		t.Fatalf("active static store lost entries: %v", keys)
	}
	if err := f.ctrl.SkipWaiting(ctx); !errors.Is(err, lifecycle.ErrNoWaiting) {
		t.Fatalf("expected ErrNoWaiting, got %v", err)
	}
}

func TestInstallFailure_NonSuccessStatus(t *testing.T) {
	f := newFixture(t)
	f.origin.assets["/app.js"] = &cache.Response{Status: http.StatusNotFound, Header: http.Header{}}
	_, err := f.ctrl.Register(context.Background(), lifecycle.Release{Version: "v1", Manifest: manifest})
	if err == nil {
		t.Fatal("expected 404 asset to fail the install")
	}
	if _, _, ok := f.ctrl.CurrentStores(); ok {
		t.Fatal("nothing should be active after a failed first install")
	}
	if got := storeNames(t, f.reg); len(got) != 0 {
		t.Fatalf("partial install left stores behind: %v", got)
	}
}

func TestRegister_SameVersionIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.ctrl.Register(ctx, lifecycle.Release{Version: "v1", Manifest: manifest}); err != nil {
		t.Fatalf("register: %v", err)
	}
	calls := f.origin.Calls()
	inst, err := f.ctrl.Register(ctx, lifecycle.Release{Version: "v1", Manifest: manifest})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if inst.State != lifecycle.StateActive || f.origin.Calls() != calls {
		t.Fatalf("re-registering the active version must not reinstall (calls %d -> %d)", calls, f.origin.Calls())
	}
}

func TestRegister_ConcurrentSameVersionInstallsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ctrl.Register(ctx, lifecycle.Release{Version: "v1", Manifest: manifest}); err != nil {
				t.Errorf("register: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := f.origin.Calls(); got != len(manifest) {
		t.Fatalf("expected a single install (%d fetches), got %d", len(manifest), got)
	}
}

func TestSupersededWaitingBecomesRedundant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, v := range []string{"v1", "v2", "v3"} {
		if _, err := f.ctrl.Register(ctx, lifecycle.Release{Version: v, Manifest: manifest}); err != nil {
			t.Fatalf("register %s: %v", v, err)
		}
	}
	st := f.ctrl.Status()
	if st.Active.Version != "v1" || st.Waiting.Version != "v3" {
		t.Fatalf("expected v1 active and v3 waiting, got %+v", st)
	}
	if err := f.ctrl.SkipWaiting(ctx); err != nil {
		t.Fatalf("skip waiting: %v", err)
	}
	want := []string{"app-dynamic-v3", "app-static-v3"}
	if got := storeNames(t, f.reg); !equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRestore_ResumesPersistedVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.ctrl.Register(ctx, lifecycle.Release{Version: "v4", Manifest: manifest, Notes: "n"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	restarted := f.newController()
	ok, err := restarted.Restore(ctx)
	if err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	if restarted.ActiveVersion() != "v4" {
		t.Fatalf("expected v4 restored, got %q", restarted.ActiveVersion())
	}
	static, _, _ := restarted.CurrentStores()
	if static.Name != "app-static-v4" {
		t.Fatalf("unexpected static store %q", static.Name)
	}
	calls := f.origin.Calls()
	if _, err := restarted.Register(ctx, lifecycle.Release{Version: "v4", Manifest: manifest}); err != nil {
		t.Fatalf("register after restore: %v", err)
	}
	if f.origin.Calls() != calls {
		t.Fatal("restored version must not be reinstalled")
	}
}

func TestRestore_NothingPersisted(t *testing.T) {
	f := newFixture(t)
	ok, err := f.ctrl.Restore(context.Background())
	if err != nil || ok {
		t.Fatalf("expected nothing to restore, ok=%v err=%v", ok, err)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
