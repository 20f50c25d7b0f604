package strategy

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/go-offline/internal/cache"
	otelpkg "github.com/basket/go-offline/internal/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SourceHeader tells the application where a response came from.
const SourceHeader = "X-Offline-Source"

// Source values carried in SourceHeader.
const (
	SourceNetwork   = "network"
	SourceCache     = "cache"
	SourceSynthetic = "synthetic"
)

// Synthetic bodies for 503 responses.
const (
	BodyNetworkError  = "Network error"
	BodyOfflineNoData = "Offline - No cached data available"
)

// Cache is the subset of the registry the executors need.
type Cache interface {
	Match(ctx context.Context, store cache.Store, key string) (*cache.Response, bool, error)
	Put(ctx context.Context, store cache.Store, key string, resp *cache.Response) error
}

// StoreResolver yields the stores of the active agent instance. ok is false
// when no instance controls the application yet.
type StoreResolver interface {
	CurrentStores() (static, dynamic cache.Store, ok bool)
}

// Outcome is the result of handling one request. NetworkErr is set whenever
// the origin leg failed, even if a cached or synthetic response was served.
type Outcome struct {
	Response   *cache.Response
	Decision   Decision
	Source     string
	NetworkErr error
}

type Options struct {
	Cache   Cache
	Fetcher Fetcher
	Stores  StoreResolver
	Rules   Rules
	// Timeout bounds each network fetch. Expiry is a network failure.
	Timeout time.Duration
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

// Executor runs the strategies. It is safe for concurrent use; concurrent
// writes to the same key resolve last-write-wins in the registry.
type Executor struct {
	cache   Cache
	fetch   Fetcher
	stores  StoreResolver
	rules   Rules
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelpkg.Metrics
}

func NewExecutor(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = otelpkg.NoopMetrics()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Executor{
		cache:   opts.Cache,
		fetch:   opts.Fetcher,
		stores:  opts.Stores,
		rules:   opts.Rules,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		tracer:  otelpkg.Tracer(opts.Tracer),
		metrics: opts.Metrics,
	}
}

// Rules returns the route tables the executor classifies with.
func (e *Executor) Rules() Rules { return e.rules }

// Handle classifies req and resolves it. It never returns an error: every
// failure mode ends in a network, cached or synthetic response.
func (e *Executor) Handle(ctx context.Context, req *Request) Outcome {
	start := time.Now()
	decision := e.rules.Classify(req.Method, req.Path(), req.IsNavigation())

	ctx, span := otelpkg.StartServerSpan(ctx, e.tracer, "strategy.handle",
		otelpkg.AttrStrategy.String(string(decision.Strategy)),
		otelpkg.AttrRequestKey.String(req.Key()),
	)
	defer span.End()

	var out Outcome
	static, dynamic, active := cache.Store{}, cache.Store{}, false
	if e.stores != nil {
		static, dynamic, active = e.stores.CurrentStores()
	}

	switch {
	case decision.Bypass() || !active:
		// Without an active instance nothing is intercepted.
		out = e.passthrough(ctx, req)
		if !decision.Bypass() {
			decision = Decision{Strategy: Passthrough}
		}
	case decision.Strategy == CacheFirst:
		out = e.CacheFirst(ctx, req, static)
	case decision.Strategy == NavigationFallback:
		out = e.NavigationFallback(ctx, req, static)
	default:
		out = e.NetworkFirst(ctx, req, dynamic)
	}
	out.Decision = decision

	span.SetAttributes(otelpkg.AttrSource.String(out.Source), attribute.Int("http.status_code", out.Response.Status))
	if out.NetworkErr != nil {
		span.RecordError(out.NetworkErr)
	}
	if out.Source == SourceSynthetic {
		span.SetStatus(codes.Error, "synthetic response")
	}
	e.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otelpkg.AttrStrategy.String(string(decision.Strategy)), otelpkg.AttrSource.String(out.Source)))
	return out
}

// CacheFirst serves a stored entry without touching the network. On a miss
// it fetches, stores cacheable responses, and falls back to a synthetic 503.
func (e *Executor) CacheFirst(ctx context.Context, req *Request, store cache.Store) Outcome {
	key := req.Key()
	if resp, ok := e.match(ctx, store, key); ok {
		return Outcome{Response: withSource(resp, SourceCache), Source: SourceCache}
	}

	resp, err := e.fetchWithTimeout(ctx, req)
	if err != nil {
		return e.synthetic(BodyNetworkError, err)
	}
	if Cacheable(req.Method, resp.Status) {
		e.put(ctx, store, key, resp)
	}
	return Outcome{Response: withSource(resp, SourceNetwork), Source: SourceNetwork}
}

// NetworkFirst always tries the origin first and writes cacheable responses
// through. The write is awaited but its failure never changes the response.
// When the origin fails, the stored entry is served unchanged, else a 503.
func (e *Executor) NetworkFirst(ctx context.Context, req *Request, store cache.Store) Outcome {
	key := req.Key()
	resp, err := e.fetchWithTimeout(ctx, req)
	if err == nil {
		if Cacheable(req.Method, resp.Status) {
			e.put(ctx, store, key, resp)
		}
		return Outcome{Response: withSource(resp, SourceNetwork), Source: SourceNetwork}
	}

	if cached, ok := e.match(ctx, store, key); ok {
		return Outcome{Response: withSource(cached, SourceCache), Source: SourceCache, NetworkErr: err}
	}
	return e.synthetic(BodyOfflineNoData, err)
}

// NavigationFallback tries the origin, then the cached application shell,
// then a synthetic 503. Navigations are not written to any store.
func (e *Executor) NavigationFallback(ctx context.Context, req *Request, static cache.Store) Outcome {
	resp, err := e.fetchWithTimeout(ctx, req)
	if err == nil {
		return Outcome{Response: withSource(resp, SourceNetwork), Source: SourceNetwork}
	}
	for _, shell := range ShellKeys() {
		if cached, ok := e.match(ctx, static, shell); ok {
			return Outcome{Response: withSource(cached, SourceCache), Source: SourceCache, NetworkErr: err}
		}
	}
	return e.synthetic(BodyNetworkError, err)
}

// ShellKeys are the cache keys of the root document, in lookup order.
func ShellKeys() []string {
	return []string{cache.RequestKey(http.MethodGet, "/"), cache.RequestKey(http.MethodGet, "/index.html")}
}

func (e *Executor) passthrough(ctx context.Context, req *Request) Outcome {
	resp, err := e.fetchWithTimeout(ctx, req)
	if err != nil {
		return e.synthetic(BodyNetworkError, err)
	}
	return Outcome{Response: withSource(resp, SourceNetwork), Source: SourceNetwork}
}

func (e *Executor) fetchWithTimeout(ctx context.Context, req *Request) (*cache.Response, error) {
	fctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	fctx, span := otelpkg.StartClientSpan(fctx, e.tracer, "origin.fetch",
		otelpkg.AttrRequestKey.String(req.Key()))
	defer span.End()

	resp, err := e.fetch.Fetch(fctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.NetworkFailures.Add(ctx, 1)
		e.logger.Debug("origin fetch failed", "request_key", req.Key(), "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	return resp, nil
}

func (e *Executor) match(ctx context.Context, store cache.Store, key string) (*cache.Response, bool) {
	resp, ok, err := e.cache.Match(ctx, store, key)
	if err != nil {
		// A broken store reads as a miss; the network leg decides the outcome.
		e.logger.Warn("cache match failed", "store", store.Name, "request_key", key, "error", err)
		ok = false
	}
	attrs := metric.WithAttributes(otelpkg.AttrStore.String(store.Logical))
	if ok {
		e.metrics.CacheHits.Add(ctx, 1, attrs)
	} else {
		e.metrics.CacheMisses.Add(ctx, 1, attrs)
	}
	return resp, ok
}

func (e *Executor) put(ctx context.Context, store cache.Store, key string, resp *cache.Response) {
	if err := e.cache.Put(ctx, store, key, resp); err != nil {
		e.logger.Warn("cache write-through failed", "store", store.Name, "request_key", key, "error", err)
	}
}

func (e *Executor) synthetic(body string, cause error) Outcome {
	e.metrics.SyntheticReplies.Add(context.Background(), 1)
	return Outcome{Response: Synthetic(body), Source: SourceSynthetic, NetworkErr: cause}
}

// Cacheable reports whether a response may be stored: a GET answered with
// a 2xx status other than 206 Partial Content.
func Cacheable(method string, status int) bool {
	return method == http.MethodGet && status >= 200 && status < 300 && status != http.StatusPartialContent
}

// Synthetic builds the fixed 503 response for an unrecoverable failure.
func Synthetic(body string) *cache.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set(SourceHeader, SourceSynthetic)
	return &cache.Response{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   []byte(body),
	}
}

func withSource(resp *cache.Response, source string) *cache.Response {
	out := resp.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Header.Set(SourceHeader, source)
	return out
}
