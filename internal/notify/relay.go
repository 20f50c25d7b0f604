package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/basket/go-offline/internal/bus"
	otelpkg "github.com/basket/go-offline/internal/otel"
	"github.com/basket/go-offline/internal/persistence"
	perrors "github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/metric"
)

const defaultQueueSize = 64

// Surface displays a notification to the user.
type Surface interface {
	Name() string
	Show(ctx context.Context, n *Notification) error
}

type Options struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Defaults Defaults
	Surfaces []Surface
	Logger   *slog.Logger
	Metrics  *otelpkg.Metrics
	// QueueSize bounds notifications accepted but not yet shown.
	QueueSize int
}

// Relay accepts push payloads and shows them from its own goroutine, so a
// slow surface never holds up request handling.
type Relay struct {
	parser   *Parser
	defaults Defaults
	store    *persistence.Store
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otelpkg.Metrics

	mu       sync.RWMutex
	surfaces []Surface

	queue chan *Notification
}

func NewRelay(opts Options) (*Relay, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = otelpkg.NoopMetrics()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	defaults := opts.Defaults.withFallbacks()
	parser, err := NewParser(defaults)
	if err != nil {
		return nil, err
	}
	r := &Relay{
		parser:   parser,
		defaults: defaults,
		store:    opts.Store,
		bus:      opts.Bus,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		queue:    make(chan *Notification, opts.QueueSize),
	}
	r.surfaces = append(r.surfaces, opts.Surfaces...)
	return r, nil
}

// AddSurface registers another display surface.
func (r *Relay) AddSurface(s Surface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.surfaces = append(r.surfaces, s)
}

// Deliver parses raw and queues the notification for display. It returns
// as soon as the notification is queued.
func (r *Relay) Deliver(ctx context.Context, raw []byte) (*Notification, error) {
	n, err := r.parser.Parse(raw)
	if err != nil {
		return nil, err
	}
	// Recorded before display so an interaction can never outrun its row.
	if r.store != nil {
		if err := r.store.RecordNotification(ctx, persistence.NotificationRecord{
			ID: n.ID, Title: n.Title, Body: n.Body, Route: n.Route, Status: persistence.NotificationShown,
		}); err != nil {
			r.logger.Warn("record notification", "notification_id", n.ID, "error", err)
		}
	}
	select {
	case r.queue <- n:
	default:
		if r.store != nil {
			_ = r.store.UpdateNotificationStatus(ctx, n.ID, persistence.NotificationFailed, "")
		}
		return nil, perrors.New(perrors.CodeUnavailable, "notification queue is full")
	}
	r.publish(bus.TopicPushReceived, *n)
	r.logger.Info("push received", "notification_id", n.ID, "title", n.Title)
	return n, nil
}

// Run shows queued notifications until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-r.queue:
			r.show(ctx, n)
		}
	}
}

func (r *Relay) show(ctx context.Context, n *Notification) {
	r.mu.RLock()
	surfaces := append([]Surface(nil), r.surfaces...)
	r.mu.RUnlock()

	shown := 0
	for _, s := range surfaces {
		if err := s.Show(ctx, n); err != nil {
			r.logger.Warn("notification surface failed", "surface", s.Name(), "notification_id", n.ID, "error", err)
			continue
		}
		shown++
		r.metrics.NotificationsSent.Add(ctx, 1, metric.WithAttributes(otelpkg.AttrSource.String(s.Name())))
	}
	if shown == 0 && len(surfaces) > 0 && r.store != nil {
		if err := r.store.UpdateNotificationStatus(ctx, n.ID, persistence.NotificationFailed, ""); err != nil {
			r.logger.Warn("update notification status", "notification_id", n.ID, "error", err)
		}
	}
}

// Interaction is the outcome of HandleAction.
type Interaction struct {
	NotificationID string `json:"notification_id"`
	Action         string `json:"action"`
	Route          string `json:"route,omitempty"`
	Opened         bool   `json:"opened"`
}

// HandleAction routes a user's response to notification id. Opening the
// application is a client.navigate broadcast; dismiss only closes.
func (r *Relay) HandleAction(ctx context.Context, id, action string) (Interaction, error) {
	var payloadRoute string
	if r.store != nil && id != "" {
		rec, err := r.store.GetNotification(ctx, id)
		switch {
		case err == nil:
			payloadRoute = rec.Route
		case errors.Is(err, persistence.ErrNotFound):
			r.logger.Debug("interaction for unknown notification", "notification_id", id)
		default:
			return Interaction{}, perrors.Wrap(err, perrors.CodeDatabase, "load notification")
		}
	}

	route, open := Route(action, payloadRoute, r.defaults.ViewRoute)
	in := Interaction{NotificationID: id, Action: action, Route: route, Opened: open}

	if r.store != nil && id != "" {
		status := persistence.NotificationClicked
		if !open {
			status = persistence.NotificationDismissed
		}
		if err := r.store.UpdateNotificationStatus(ctx, id, status, action); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			r.logger.Warn("update notification status", "notification_id", id, "error", err)
		}
	}

	r.publish(bus.TopicNotificationAction, bus.NotificationActionEvent{NotificationID: id, Action: action})
	if open {
		r.publish(bus.TopicClientNavigate, bus.NavigateEvent{Route: route, NotificationID: id})
	}
	r.logger.Info("notification action", "notification_id", id, "action", action, "route", route, "opened", open)
	return in, nil
}

func (r *Relay) publish(topic string, payload any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}

// LogSurface writes notifications to the agent log. It is always present so
// every notification leaves a trace even without an external surface.
type LogSurface struct {
	Logger *slog.Logger
}

func (LogSurface) Name() string { return "log" }

func (s LogSurface) Show(_ context.Context, n *Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	actions := make([]string, 0, len(n.Actions))
	for _, a := range n.Actions {
		actions = append(actions, a.Action)
	}
	logger.Info("notification shown", "notification_id", n.ID, "title", n.Title, "body", n.Body, "icon", n.Icon, "actions", actions)
	return nil
}
