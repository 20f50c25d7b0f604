// Package gateway is the agent's HTTP surface: it intercepts application
// traffic and serves the control prefix, including the websocket message
// channel to the application.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/go-offline/internal/audit"
	"github.com/basket/go-offline/internal/bus"
	"github.com/basket/go-offline/internal/cache"
	"github.com/basket/go-offline/internal/channels"
	"github.com/basket/go-offline/internal/config"
	"github.com/basket/go-offline/internal/deferred"
	"github.com/basket/go-offline/internal/lifecycle"
	"github.com/basket/go-offline/internal/notify"
	otelpkg "github.com/basket/go-offline/internal/otel"
	"github.com/basket/go-offline/internal/persistence"
	"github.com/basket/go-offline/internal/protocol"
	"github.com/basket/go-offline/internal/shared"
	"github.com/basket/go-offline/internal/strategy"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
)

// ControlPrefix is reserved for the agent; nothing under it is forwarded.
const ControlPrefix = "/__agent/"

const DefaultDrainTimeout = 5 * time.Second

type Config struct {
	Executor  *strategy.Executor
	Lifecycle *lifecycle.Controller
	Queue     *deferred.Queue
	Relay     *notify.Relay
	Caches    *cache.Registry
	Store     *persistence.Store
	Bus       *bus.Bus

	// Sharer is nil when no share target is configured.
	Sharer channels.Sharer
	// UpdateCheck re-reads the deployed release and installs it when new.
	UpdateCheck func(ctx context.Context) (protocol.UpdateCheckResult, error)

	AuthToken        string
	AllowOrigins     []string
	RateLimit        config.RateLimitConfig
	DeferredPrefixes []string
	AgentVersion     string
	MaxBodyBytes     int64
	// DrainTimeout bounds one sync trigger. Zero means DefaultDrainTimeout.
	DrainTimeout time.Duration

	Logger *slog.Logger
	Tracer trace.Tracer
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	auth    *BearerAuth
	limiter *RateLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	promptMu sync.Mutex
	prompt   *protocol.InstallPrompt
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = strategy.DefaultMaxBodyBytes
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  otelpkg.Tracer(cfg.Tracer),
		auth:    NewBearerAuth(cfg.AuthToken),
		limiter: NewRateLimiter(cfg.RateLimit),
		clients: map[*client]struct{}{},
	}
}

// Handler routes the control prefix and intercepts everything else.
// Intercepted traffic is never authenticated or rate limited: it belongs to
// the application and the origin decides.
func (s *Server) Handler() http.Handler {
	cors := NewCORSMiddleware(s.cfg.AllowOrigins)
	guard := func(h http.HandlerFunc) http.Handler {
		return cors(s.limiter.Wrap(s.auth.Wrap(RequestSizeLimitMiddleware(1<<20)(h))))
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+ControlPrefix+"ws", s.limiter.Wrap(s.auth.Wrap(http.HandlerFunc(s.handleWS))))
	mux.HandleFunc("GET "+ControlPrefix+"healthz", s.handleHealthz)
	mux.Handle("POST "+ControlPrefix+"push", guard(s.handlePush))
	mux.Handle("POST "+ControlPrefix+"sync/{tag}", guard(s.handleSync))
	mux.Handle("OPTIONS "+ControlPrefix, cors(http.NotFoundHandler()))
	mux.HandleFunc(ControlPrefix, func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "unknown agent endpoint")
	})
	mux.HandleFunc("/", s.handleIntercept)
	return mux
}

// Run forwards bus events to connected clients until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	if s.cfg.Bus == nil {
		<-ctx.Done()
		return
	}
	subs := []*bus.Subscription{
		s.cfg.Bus.Subscribe("lifecycle."),
		s.cfg.Bus.Subscribe("client."),
		s.cfg.Bus.Subscribe("sync."),
		s.cfg.Bus.Subscribe(bus.TopicConnectivity),
	}
	defer func() {
		for _, sub := range subs {
			s.cfg.Bus.Unsubscribe(sub)
		}
	}()

	merged := make(chan bus.Event, 64)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *bus.Subscription) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Ch():
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(sub)
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case ev := <-merged:
			s.forward(ev)
		}
	}
}

// forward maps a bus event onto a channel notification.
func (s *Server) forward(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.UpdateEvent:
		switch ev.Topic {
		case bus.TopicUpdateAvailable:
			s.broadcast(protocol.NotifyUpdateAvailable, protocol.UpdateAvailable{Current: p.CurrentVersion, New: p.NewVersion, Notes: p.Notes})
		case bus.TopicControllerChanged:
			s.broadcast(protocol.NotifyControllerChanged, protocol.ControllerChanged{Previous: p.CurrentVersion, Version: p.NewVersion})
		case bus.TopicInstallPrompt:
			prompt := protocol.InstallPrompt{Version: p.NewVersion, Notes: p.Notes}
			s.promptMu.Lock()
			s.prompt = &prompt
			s.promptMu.Unlock()
			s.broadcast(protocol.NotifyInstallPrompt, prompt)
		}
	case bus.LifecycleEvent:
		s.broadcast(protocol.NotifyState, protocol.StateChanged{InstanceID: p.InstanceID, Version: p.Version, From: p.From, To: p.To})
	case bus.InstallFailedEvent:
		s.broadcast(protocol.NotifyInstallFailed, protocol.InstallFailed{Version: p.Version, URL: p.URL, Reason: p.Reason})
	case bus.NavigateEvent:
		s.broadcast(protocol.NotifyNavigate, protocol.Navigate{Route: p.Route, NotificationID: p.NotificationID})
	case bus.SyncEvent:
		if ev.Topic == bus.TopicSyncEnqueued {
			return
		}
		s.broadcast(protocol.NotifySyncResult, protocol.SyncResult{Tag: p.Tag, Replayed: p.Replayed, Error: p.Error})
	case bus.ConnectivityEvent:
		s.broadcast(protocol.NotifyConnectivity, protocol.Connectivity{Online: p.Online, LatencyMS: p.LatencyMS})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	depth := 0
	if s.cfg.Store != nil {
		n, err := s.cfg.Store.DeferredDepth(ctx)
		if err != nil {
			dbOK = false
		}
		depth = n
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"agent_version":  s.cfg.AgentVersion,
		"deferred_depth": depth,
		"clients":        s.ClientCount(),
		"denied_calls":   audit.DenyCount(),
	}
	if s.cfg.Lifecycle != nil {
		payload["lifecycle"] = s.cfg.Lifecycle.Status()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin handshakes are always accepted by the library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	clientID := shared.NewTraceID()
	ctx := shared.WithClientID(r.Context(), clientID)
	s.logger.Info("ws: client connected", "client", clientID, "clients", s.ClientCount())
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnected", "client", clientID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// A prompt raised before this client connected is still pending for it.
	s.promptMu.Lock()
	prompt := s.prompt
	s.promptMu.Unlock()
	if prompt != nil {
		_ = c.write(ctx, notification(protocol.NotifyInstallPrompt, *prompt))
	}

	for {
		var req protocol.Request
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		s.logger.Debug("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(ctx, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Warn("ws: write response error", "method", req.Method, "error", err)
			return
		}
	}
}

func notification(method string, params any) protocol.Message {
	return protocol.Message{JSONRPC: protocol.JSONRPCVersion, Method: method, Params: params}
}

func (s *Server) broadcast(method string, params any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	s.logger.Debug("ws: broadcast", "method", method, "clients", len(s.clients))
	for c := range s.clients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.write(ctx, notification(method, params)); err != nil {
			s.logger.Warn("ws: broadcast write error", "method", method, "error", err)
		}
		cancel()
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ClientCount returns the number of connected application clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
