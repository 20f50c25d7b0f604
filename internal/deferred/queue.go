// Package deferred holds writes recorded while offline and replays them,
// strictly FIFO per sync tag, when a sync trigger fires.
package deferred

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/go-offline/internal/bus"
	otelpkg "github.com/basket/go-offline/internal/otel"
	"github.com/basket/go-offline/internal/persistence"
	perrors "github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Handler replays one action. A nil return removes the action from the
// queue; any error stops the drain for that tag.
type Handler func(ctx context.Context, action persistence.DeferredAction) error

// ErrNoHandler is returned by Drain when no handler serves the tag.
var ErrNoHandler = perrors.New(perrors.CodeNotFound, "no replay handler for sync tag")

type Options struct {
	Store *persistence.Store
	Bus   *bus.Bus
	// Fallback serves tags without a dedicated handler. The agent wires the
	// http replay handler here.
	Fallback Handler
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otelpkg.Metrics
}

// DrainResult summarizes one drain of one tag.
type DrainResult struct {
	Tag       string `json:"tag"`
	Replayed  int    `json:"replayed"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

type Queue struct {
	store    *persistence.Store
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelpkg.Metrics
	fallback Handler

	mu       sync.Mutex
	handlers map[string]Handler
	// draining holds one lock per tag so two triggers never replay the
	// same head twice.
	draining map[string]*sync.Mutex
}

func New(opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = otelpkg.NoopMetrics()
	}
	return &Queue{
		store:    opts.Store,
		bus:      opts.Bus,
		logger:   opts.Logger,
		tracer:   otelpkg.Tracer(opts.Tracer),
		metrics:  opts.Metrics,
		fallback: opts.Fallback,
		handlers: make(map[string]Handler),
		draining: make(map[string]*sync.Mutex),
	}
}

// Handle installs the replay handler for tag, replacing any previous one.
func (q *Queue) Handle(tag string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if h == nil {
		delete(q.handlers, tag)
		return
	}
	q.handlers[tag] = h
}

func (q *Queue) handler(tag string) Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	if h, ok := q.handlers[tag]; ok {
		return h
	}
	return q.fallback
}

func (q *Queue) tagLock(tag string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.draining[tag]
	if !ok {
		l = &sync.Mutex{}
		q.draining[tag] = l
	}
	return l
}

// Enqueue appends payload to the tag's queue and registers the tag so a
// later DrainAll picks it up.
func (q *Queue) Enqueue(ctx context.Context, tag, payload string) (*persistence.DeferredAction, error) {
	if tag == "" {
		return nil, perrors.New(perrors.CodeInvalidInput, "sync tag is required")
	}
	if err := q.store.RegisterSyncTag(ctx, tag); err != nil {
		return nil, perrors.Wrap(err, perrors.CodeDatabase, "register sync tag")
	}
	action, err := q.store.EnqueueDeferred(ctx, tag, payload)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeDatabase, "enqueue deferred action")
	}
	q.metrics.DeferredEnqueued.Add(ctx, 1, metric.WithAttributes(otelpkg.AttrSyncTag.String(tag)))
	q.logger.Info("deferred action queued", "tag", tag, "action_id", action.ID)
	return action, nil
}

// Register records a sync registration for tag without queueing anything.
func (q *Queue) Register(ctx context.Context, tag string) error {
	if tag == "" {
		return perrors.New(perrors.CodeInvalidInput, "sync tag is required")
	}
	if err := q.store.RegisterSyncTag(ctx, tag); err != nil {
		return perrors.Wrap(err, perrors.CodeDatabase, "register sync tag")
	}
	return nil
}

// Pending lists the queued actions for tag in replay order. An empty tag
// lists every queued action.
func (q *Queue) Pending(ctx context.Context, tag string) ([]persistence.DeferredAction, error) {
	actions, err := q.store.ListDeferred(ctx, tag)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeDatabase, "list deferred actions")
	}
	return actions, nil
}

// Tags returns every registered tag plus any tag that still has queued
// actions, sorted.
func (q *Queue) Tags(ctx context.Context) ([]string, error) {
	registered, err := q.store.ListSyncTags(ctx)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeDatabase, "list sync tags")
	}
	seen := make(map[string]bool, len(registered))
	for _, t := range registered {
		seen[t] = true
	}
	queued, err := q.Pending(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, a := range queued {
		seen[a.Tag] = true
	}
	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags, nil
}

// Drain replays the tag's actions oldest first, deleting each one only
// after its handler succeeds. The first failure stops the drain and leaves
// that action and everything behind it queued. Cancellation is checked
// between actions; unreplayed actions stay untouched.
func (q *Queue) Drain(ctx context.Context, tag string) (DrainResult, error) {
	res := DrainResult{Tag: tag}
	h := q.handler(tag)
	if h == nil {
		return res, perrors.Wrapf(ErrNoHandler, perrors.CodeNotFound, "drain %s", tag)
	}

	lock := q.tagLock(tag)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := otelpkg.StartSpan(ctx, q.tracer, "deferred.drain", otelpkg.AttrSyncTag.String(tag))
	defer span.End()
	attrs := metric.WithAttributes(otelpkg.AttrSyncTag.String(tag))

	var drainErr error
	for {
		if err := ctx.Err(); err != nil {
			drainErr = perrors.Wrap(err, perrors.CodeTimeout, "drain interrupted")
			break
		}
		action, err := q.store.PeekDeferred(ctx, tag)
		if errors.Is(err, persistence.ErrNotFound) {
			break
		}
		if err != nil {
			drainErr = perrors.Wrap(err, perrors.CodeDatabase, "read queue head")
			break
		}

		if err := h(ctx, *action); err != nil {
			q.metrics.DeferredFailures.Add(ctx, 1, attrs)
			if recErr := q.store.RecordDeferredFailure(context.WithoutCancel(ctx), action.ID, err.Error()); recErr != nil {
				q.logger.Warn("record replay failure", "action_id", action.ID, "error", recErr)
			}
			drainErr = perrors.WithContext(err, "action_id", action.ID)
			break
		}
		// The action is replayed; deletion must not be skipped by a cancel
		// that races the handler's return.
		if err := q.store.DeleteDeferred(context.WithoutCancel(ctx), action.ID); err != nil {
			drainErr = perrors.Wrap(err, perrors.CodeDatabase, "remove replayed action")
			break
		}
		res.Replayed++
		q.metrics.DeferredReplayed.Add(ctx, 1, attrs)
	}

	remaining, err := q.store.ListDeferred(context.WithoutCancel(ctx), tag)
	if err == nil {
		res.Remaining = len(remaining)
	}
	if drainErr != nil {
		res.Error = drainErr.Error()
		span.RecordError(drainErr)
		span.SetStatus(codes.Error, "drain stalled")
		q.publish(bus.TopicSyncStalled, bus.SyncEvent{Tag: tag, Replayed: res.Replayed, Error: res.Error})
		q.logger.Warn("deferred drain stalled", "tag", tag, "replayed", res.Replayed, "remaining", res.Remaining, "error", drainErr)
		return res, drainErr
	}
	q.publish(bus.TopicSyncReplayed, bus.SyncEvent{Tag: tag, Replayed: res.Replayed})
	if res.Replayed > 0 {
		q.logger.Info("deferred drain complete", "tag", tag, "replayed", res.Replayed)
	}
	return res, nil
}

// DrainAll drains every known tag. A stalled tag does not stop the others.
func (q *Queue) DrainAll(ctx context.Context) ([]DrainResult, error) {
	tags, err := q.Tags(ctx)
	if err != nil {
		return nil, err
	}
	var (
		results []DrainResult
		errs    []error
	)
	for _, tag := range tags {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := q.Drain(ctx, tag)
		results = append(results, res)
		if err != nil && !errors.Is(err, ErrNoHandler) {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

func (q *Queue) publish(topic string, payload any) {
	if q.bus != nil {
		q.bus.Publish(topic, payload)
	}
}
