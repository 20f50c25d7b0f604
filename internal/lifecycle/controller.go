package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/go-offline/internal/bus"
	"github.com/basket/go-offline/internal/cache"
	otelpkg "github.com/basket/go-offline/internal/otel"
	"github.com/basket/go-offline/internal/strategy"
	"github.com/google/uuid"
	perrors "github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	kvActiveVersion = "lifecycle.active_version"
	kvActiveNotes   = "lifecycle.active_notes"
	kvVersionTable  = "lifecycle.version_table"
)

// ErrNoWaiting is returned by SkipWaiting when nothing is waiting.
var ErrNoWaiting = perrors.New(perrors.CodeConflict, "no waiting instance")

// Stores is the subset of the cache registry the controller drives.
type Stores interface {
	Open(ctx context.Context, name, logical, version string) (cache.Store, error)
	PutAll(ctx context.Context, store cache.Store, entries map[string]*cache.Response) error
	Names(ctx context.Context) ([]string, error)
	DeleteStore(ctx context.Context, name string) (bool, error)
}

// KV persists the active version across restarts.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

type Options struct {
	Stores      Stores
	Fetcher     strategy.Fetcher
	KV          KV
	Bus         *bus.Bus
	StorePrefix string
	// FetchTimeout bounds each manifest fetch during install.
	FetchTimeout time.Duration
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *otelpkg.Metrics
}

// Controller is the single holder of lifecycle state for the process.
//
// opMu serializes installs and activations so cleanup never overlaps an
// in-flight install; mu guards the instance pointers and version table and
// is held only briefly so request handling is never blocked on the network.
type Controller struct {
	opMu sync.Mutex

	mu         sync.RWMutex
	active     *Instance
	waiting    *Instance
	installing *Instance
	table      VersionTable

	stores       Stores
	fetcher      strategy.Fetcher
	kv           KV
	bus          *bus.Bus
	prefix       string
	fetchTimeout time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *otelpkg.Metrics
	now          func() time.Time
}

func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = otelpkg.NoopMetrics()
	}
	if opts.StorePrefix == "" {
		opts.StorePrefix = "app"
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	return &Controller{
		table:        VersionTable{},
		stores:       opts.Stores,
		fetcher:      opts.Fetcher,
		kv:           opts.KV,
		bus:          opts.Bus,
		prefix:       opts.StorePrefix,
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger,
		tracer:       otelpkg.Tracer(opts.Tracer),
		metrics:      opts.Metrics,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// CurrentStores implements strategy.StoreResolver.
func (c *Controller) CurrentStores() (cache.Store, cache.Store, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return cache.Store{}, cache.Store{}, false
	}
	return c.active.Static, c.active.Dynamic, true
}

// ActiveVersion returns "" when nothing is active.
func (c *Controller) ActiveVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return ""
	}
	return c.active.Version
}

// Table returns a copy of the {logical -> version} table.
func (c *Controller) Table() VersionTable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(VersionTable, len(c.table))
	for k, v := range c.table {
		out[k] = v
	}
	return out
}

// Retained returns the physical names of the current stores.
func (c *Controller) Retained() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retainedLocked()
}

func (c *Controller) retainedLocked() []string {
	var names []string
	for _, logical := range []string{strategy.StaticStore, strategy.DynamicStore} {
		if v, ok := c.table[logical]; ok {
			names = append(names, cache.StoreName(c.prefix, logical, v))
		}
	}
	return names
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{Table: make(VersionTable, len(c.table))}
	for k, v := range c.table {
		st.Table[k] = v
	}
	st.Active = copyInstance(c.active)
	st.Waiting = copyInstance(c.waiting)
	st.Installing = copyInstance(c.installing)
	return st
}

func copyInstance(i *Instance) *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	return &cp
}

// Register installs rel as a new instance. The very first instance is
// activated immediately because nothing controls the application yet; later
// instances stop at Waiting until SkipWaiting. Registering the active or
// waiting version again is a no-op.
func (c *Controller) Register(ctx context.Context, rel Release) (*Instance, error) {
	if rel.Version == "" {
		return nil, perrors.New(perrors.CodeInvalidInput, "release version is empty")
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	switch {
	case c.active != nil && c.active.Version == rel.Version:
		inst := copyInstance(c.active)
		c.mu.RUnlock()
		return inst, nil
	case c.waiting != nil && c.waiting.Version == rel.Version:
		inst := copyInstance(c.waiting)
		c.mu.RUnlock()
		return inst, nil
	}
	first := c.active == nil
	c.mu.RUnlock()

	inst, err := c.install(ctx, rel)
	if err != nil {
		return nil, err
	}
	if first {
		if err := c.activateLocked(ctx); err != nil {
			return nil, err
		}
		c.publish(bus.TopicInstallPrompt, bus.UpdateEvent{NewVersion: rel.Version, Notes: rel.Notes})
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active != nil && c.active.ID == inst.ID {
		return copyInstance(c.active), nil
	}
	return copyInstance(inst), nil
}

// install runs the all-or-nothing manifest batch. On success the instance
// is Waiting; on failure it is Redundant, its static store is gone, and the
// active instance is untouched. Caller holds opMu.
func (c *Controller) install(ctx context.Context, rel Release) (*Instance, error) {
	start := time.Now()
	ctx, span := otelpkg.StartSpan(ctx, c.tracer, "lifecycle.install", otelpkg.AttrVersion.String(rel.Version))
	defer span.End()

	inst := &Instance{
		ID:      uuid.NewString(),
		Version: rel.Version,
		State:   StateInstalling,
		Notes:   rel.Notes,
		Static: cache.Store{
			Name: cache.StoreName(c.prefix, strategy.StaticStore, rel.Version), Logical: strategy.StaticStore, Version: rel.Version,
		},
		Dynamic: cache.Store{
			Name: cache.StoreName(c.prefix, strategy.DynamicStore, rel.Version), Logical: strategy.DynamicStore, Version: rel.Version,
		},
	}
	c.mu.Lock()
	c.installing = inst
	c.mu.Unlock()
	c.publishState(inst, "", StateInstalling)
	c.logger.Info("install started", "version", rel.Version, "instance_id", inst.ID, "assets", len(rel.Manifest))

	failedURL, err := c.prewarm(ctx, inst, rel.Manifest)
	c.metrics.InstallDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
		c.metrics.InstallFailures.Add(ctx, 1)

		if _, delErr := c.stores.DeleteStore(context.WithoutCancel(ctx), inst.Static.Name); delErr != nil {
			c.logger.Warn("discard failed install store", "store", inst.Static.Name, "error", delErr)
		}
		c.mu.Lock()
		from, _ := inst.transition(StateRedundant)
		c.installing = nil
		c.mu.Unlock()
		c.publishState(inst, from, StateRedundant)
		c.publish(bus.TopicInstallFailed, bus.InstallFailedEvent{Version: rel.Version, URL: failedURL, Reason: err.Error()})
		c.logger.Error("install failed", "version", rel.Version, "url", failedURL, "error", err)
		return nil, perrors.WithContext(err, "version", rel.Version)
	}

	c.mu.Lock()
	from, _ := inst.transition(StateWaiting)
	inst.InstalledAt = c.now()
	c.installing = nil
	superseded := c.waiting
	c.waiting = inst
	current := ""
	if c.active != nil {
		current = c.active.Version
	}
	var supFrom State
	if superseded != nil {
		supFrom, _ = superseded.transition(StateRedundant)
	}
	c.mu.Unlock()

	if superseded != nil {
		c.publishState(superseded, supFrom, StateRedundant)
	}
	c.publishState(inst, from, StateWaiting)
	c.publish(bus.TopicUpdateAvailable, bus.UpdateEvent{CurrentVersion: current, NewVersion: rel.Version, Notes: rel.Notes})
	c.logger.Info("install complete", "version", rel.Version, "waiting", true)
	return inst, nil
}

// prewarm fetches every manifest path and writes the batch in one
// transaction. Any non-cacheable answer fails the whole batch.
func (c *Controller) prewarm(ctx context.Context, inst *Instance, manifest []string) (string, error) {
	entries := make(map[string]*cache.Response, len(manifest))
	for _, path := range manifest {
		if err := ctx.Err(); err != nil {
			return path, perrors.Wrap(err, perrors.CodeExecutionFailed, "install cancelled")
		}
		req := strategy.NewRequest(http.MethodGet, path)
		fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		resp, err := c.fetcher.Fetch(fctx, req)
		cancel()
		if err != nil {
			return path, perrors.WithContext(perrors.Wrapf(err, perrors.CodeExecutionFailed, "fetch manifest asset %s", path), "url", path)
		}
		if !strategy.Cacheable(http.MethodGet, resp.Status) {
			return path, perrors.WithContext(perrors.Newf(perrors.CodeExecutionFailed, "manifest asset %s returned status %d", path, resp.Status), "url", path)
		}
		entries[req.Key()] = resp
	}

	store, err := c.stores.Open(ctx, inst.Static.Name, inst.Static.Logical, inst.Static.Version)
	if err != nil {
		return "", err
	}
	if err := c.stores.PutAll(ctx, store, entries); err != nil {
		return "", err
	}
	return "", nil
}

// SkipWaiting promotes the waiting instance to Active.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.activateLocked(ctx)
}

// activateLocked runs Waiting → Activating → Active, retires the previous
// instance, persists the version table, then deletes every store outside
// {currentStatic, currentDynamic}. Caller holds opMu.
func (c *Controller) activateLocked(ctx context.Context) error {
	ctx, span := otelpkg.StartSpan(ctx, c.tracer, "lifecycle.activate")
	defer span.End()

	c.mu.Lock()
	next := c.waiting
	if next == nil {
		c.mu.Unlock()
		return ErrNoWaiting
	}
	fromWaiting, err := next.transition(StateActivating)
	c.mu.Unlock()
	if err != nil {
		return perrors.Wrap(err, perrors.CodeConflict, "activate")
	}
	c.publishState(next, fromWaiting, StateActivating)
	span.SetAttributes(otelpkg.AttrVersion.String(next.Version))

	// The dynamic store is created empty for the new version; it fills on
	// first NetworkFirst writes.
	if _, err := c.stores.Open(ctx, next.Dynamic.Name, next.Dynamic.Logical, next.Dynamic.Version); err != nil {
		c.logger.Warn("open dynamic store", "store", next.Dynamic.Name, "error", err)
	}

	c.mu.Lock()
	prev := c.active
	var prevFrom State
	if prev != nil {
		prevFrom, _ = prev.transition(StateRedundant)
	}
	from, _ := next.transition(StateActive)
	c.active = next
	c.waiting = nil
	c.table = VersionTable{strategy.StaticStore: next.Version, strategy.DynamicStore: next.Version}
	retained := c.retainedLocked()
	table := c.table
	c.mu.Unlock()

	if prev != nil {
		c.publishState(prev, prevFrom, StateRedundant)
	}
	c.publishState(next, from, StateActive)
	c.persist(ctx, next, table)

	deleted, err := c.cleanup(ctx, retained)
	if err != nil {
		c.logger.Warn("activation cleanup incomplete", "error", err)
	}
	c.publish(bus.TopicCacheCleanup, bus.CacheCleanupEvent{Retained: retained, Deleted: deleted})

	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version
	}
	c.publish(bus.TopicControllerChanged, bus.UpdateEvent{CurrentVersion: prevVersion, NewVersion: next.Version, Notes: next.Notes})
	c.logger.Info("activated", "version", next.Version, "previous", prevVersion, "deleted_stores", len(deleted))
	return nil
}

// cleanup is the only garbage-collection point: it deletes every store
// whose name is not in retained.
func (c *Controller) cleanup(ctx context.Context, retained []string) ([]string, error) {
	keep := make(map[string]bool, len(retained))
	for _, name := range retained {
		keep[name] = true
	}
	names, err := c.stores.Names(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	var errs []error
	for _, name := range names {
		if keep[name] {
			continue
		}
		ok, err := c.stores.DeleteStore(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		if ok {
			deleted = append(deleted, name)
			c.metrics.StoresDeleted.Add(ctx, 1)
		}
	}
	return deleted, errors.Join(errs...)
}

func (c *Controller) persist(ctx context.Context, inst *Instance, table VersionTable) {
	if c.kv == nil {
		return
	}
	raw, err := json.Marshal(table)
	if err != nil {
		c.logger.Warn("encode version table", "error", err)
		return
	}
	for k, v := range map[string]string{
		kvActiveVersion: inst.Version,
		kvActiveNotes:   inst.Notes,
		kvVersionTable:  string(raw),
	} {
		if err := c.kv.KVSet(ctx, k, v); err != nil {
			c.logger.Warn("persist lifecycle state", "key", k, "error", err)
		}
	}
}

// Restore resumes the active instance persisted by a previous process. It
// reports false when nothing was persisted or the static store is gone, in
// which case the caller should Register the configured release.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	if c.kv == nil {
		return false, nil
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	version, err := c.kv.KVGet(ctx, kvActiveVersion)
	if err != nil {
		return false, perrors.Wrap(err, perrors.CodeDatabase, "read active version")
	}
	if version == "" {
		return false, nil
	}
	notes, _ := c.kv.KVGet(ctx, kvActiveNotes)

	table := VersionTable{strategy.StaticStore: version, strategy.DynamicStore: version}
	if raw, err := c.kv.KVGet(ctx, kvVersionTable); err == nil && raw != "" {
		var persisted VersionTable
		if json.Unmarshal([]byte(raw), &persisted) == nil && len(persisted) > 0 {
			table = persisted
		}
	}

	static := cache.Store{Name: cache.StoreName(c.prefix, strategy.StaticStore, table[strategy.StaticStore]), Logical: strategy.StaticStore, Version: table[strategy.StaticStore]}
	names, err := c.stores.Names(ctx)
	if err != nil {
		return false, err
	}
	found := false
	for _, n := range names {
		if n == static.Name {
			found = true
			break
		}
	}
	if !found {
		c.logger.Warn("persisted version has no static store", "version", version, "store", static.Name)
		return false, nil
	}
	dynamic, err := c.stores.Open(ctx, cache.StoreName(c.prefix, strategy.DynamicStore, table[strategy.DynamicStore]), strategy.DynamicStore, table[strategy.DynamicStore])
	if err != nil {
		return false, err
	}

	inst := &Instance{
		ID:          uuid.NewString(),
		Version:     version,
		State:       StateActive,
		Notes:       notes,
		Static:      static,
		Dynamic:     dynamic,
		InstalledAt: c.now(),
	}
	c.mu.Lock()
	c.active = inst
	c.table = table
	c.mu.Unlock()
	c.publishState(inst, "", StateActive)
	c.logger.Info("restored active version", "version", version)
	return true, nil
}

func (c *Controller) publishState(inst *Instance, from, to State) {
	c.publish(bus.TopicLifecycleStateChanged, bus.LifecycleEvent{
		InstanceID: inst.ID,
		Version:    inst.Version,
		From:       string(from),
		To:         string(to),
	})
}

func (c *Controller) publish(topic string, payload any) {
	if c.bus != nil {
		c.bus.Publish(topic, payload)
	}
}
