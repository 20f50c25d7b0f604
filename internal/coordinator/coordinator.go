// Package coordinator is the application-side counterpart of the agent. It
// holds the message channel open, folds agent notifications into a Status,
// and exposes the imperative operations the application needs.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-offline/internal/protocol"
	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	perrors "github.com/jmgilman/go/errors"
)

const (
	defaultCallTimeout = 10 * time.Second
	minBackoff         = 500 * time.Millisecond
	maxBackoff         = 10 * time.Second
)

type Options struct {
	// URL is the agent's message channel, e.g. ws://127.0.0.1:8790/__agent/ws.
	URL   string
	Token string

	// OnInstall shows the platform install dialog. Nil means the platform
	// cannot install and PromptInstall fails.
	OnInstall func(ctx context.Context, prompt protocol.InstallPrompt) error
	// OnReload is called once after ApplyUpdate hands control to the new
	// version.
	OnReload func()
	// OnNavigate receives client.navigate requests from notification
	// interactions.
	OnNavigate func(nav protocol.Navigate)

	// Callbacks run in arrival order on their own goroutine, so they may
	// call back into the Coordinator.

	CallTimeout time.Duration
	Logger      *slog.Logger
}

type Coordinator struct {
	opts   Options
	logger *slog.Logger
	nextID atomic.Int64

	connMu sync.Mutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Envelope

	mu           sync.Mutex
	status       Status
	originOnline bool
	prompt       *protocol.InstallPrompt
	seenPrompts  map[string]bool
	reloadArmed  bool
	tags         map[string]struct{}
	subs         map[chan Status]struct{}

	cbMu      sync.Mutex
	callbacks []func()
	cbRunning bool
}

func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Coordinator{
		opts:         opts,
		logger:       opts.Logger,
		pending:      map[string]chan protocol.Envelope{},
		originOnline: true,
		seenPrompts:  map[string]bool{},
		tags:         map[string]struct{}{},
		subs:         map[chan Status]struct{}{},
	}
}

// Status returns the current snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe returns a channel that receives every status change. The
// channel holds only the latest snapshot when the reader falls behind.
func (c *Coordinator) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	ch <- c.status
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, ch)
	}
}

// update applies mutate under the lock and publishes the result. It
// reports whether the change took the coordinator from offline to online.
func (c *Coordinator) update(mutate func(s *Status)) (restored bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasOnline := c.status.Online
	mutate(&c.status)
	c.status.Online = c.status.Connected && c.originOnline
	for ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- c.status
	}
	return !wasOnline && c.status.Online
}

// Run keeps the message channel connected until ctx is cancelled,
// reconnecting with backoff.
func (c *Coordinator) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = minBackoff
	bo.MaxInterval = maxBackoff
	bo.Reset()
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		c.logger.Warn("agent channel lost, reconnecting", "error", err, "backoff", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session dials once and reads until the connection drops.
func (c *Coordinator) session(ctx context.Context) (connected bool, err error) {
	var header http.Header
	if c.opts.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.opts.Token}}
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	cancel()
	if err != nil {
		return false, perrors.Wrap(err, perrors.CodeNetwork, "dial agent")
	}
	conn.SetReadLimit(1 << 20)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		c.failPending()
		c.update(func(s *Status) {
			s.Connected = false
			s.Quality = QualityUnknown
		})
	}()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx, conn) }()

	// Learn the lifecycle state before reporting the channel as up.
	c.refreshVersion(ctx)
	restored := c.update(func(s *Status) { s.Connected = true })
	c.logger.Info("agent channel connected", "url", c.opts.URL)
	if restored {
		go c.syncTags(ctx, c.Tags())
	}
	return true, <-readErr
}

func (c *Coordinator) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		if env.Method != "" && len(env.ID) == 0 {
			c.handleNotification(ctx, env)
			continue
		}
		c.deliver(env)
	}
}

// dispatch queues fn behind earlier callbacks. The read loop never waits on
// it: a callback that calls the agent needs the loop to read its response.
func (c *Coordinator) dispatch(fn func()) {
	c.cbMu.Lock()
	c.callbacks = append(c.callbacks, fn)
	idle := !c.cbRunning
	c.cbRunning = true
	c.cbMu.Unlock()
	if idle {
		go c.runCallbacks()
	}
}

func (c *Coordinator) runCallbacks() {
	for {
		c.cbMu.Lock()
		if len(c.callbacks) == 0 {
			c.cbRunning = false
			c.cbMu.Unlock()
			return
		}
		fn := c.callbacks[0]
		c.callbacks = c.callbacks[1:]
		c.cbMu.Unlock()
		fn()
	}
}

func (c *Coordinator) deliver(env protocol.Envelope) {
	key := string(env.ID)
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	delete(c.pending, key)
	c.pendingMu.Unlock()
	if ok {
		ch <- env
	}
}

func (c *Coordinator) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for key, ch := range c.pending {
		close(ch)
		delete(c.pending, key)
	}
}

// call sends one request and waits for its response.
func (c *Coordinator) call(ctx context.Context, method string, params, out any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return perrors.New(perrors.CodeUnavailable, "agent unreachable")
	}

	n := c.nextID.Add(1)
	id := strconv.FormatInt(n, 10)
	ch := make(chan protocol.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	req := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{protocol.JSONRPCVersion, n, method, params}

	c.connMu.Lock()
	err := wsjson.Write(ctx, conn, req)
	c.connMu.Unlock()
	if err != nil {
		return perrors.Wrap(err, perrors.CodeNetwork, "send "+method)
	}

	select {
	case <-ctx.Done():
		return perrors.Wrap(ctx.Err(), perrors.CodeTimeout, method+" timed out")
	case env, ok := <-ch:
		if !ok {
			return perrors.New(perrors.CodeUnavailable, "agent unreachable")
		}
		if env.Error != nil {
			return env.Error.AsPlatformError()
		}
		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return perrors.Wrap(err, perrors.CodeInternal, "decode "+method+" result")
			}
		}
		return nil
	}
}

func (c *Coordinator) handleNotification(ctx context.Context, env protocol.Envelope) {
	switch env.Method {
	case protocol.NotifyInstallPrompt:
		var p protocol.InstallPrompt
		if decode(env.Params, &p) != nil {
			return
		}
		c.mu.Lock()
		fresh := !c.seenPrompts[p.Version]
		if fresh {
			c.seenPrompts[p.Version] = true
			c.prompt = &p
		}
		c.mu.Unlock()
		if fresh {
			c.update(func(s *Status) { s.InstallPromptAvailable = true })
		}

	case protocol.NotifyUpdateAvailable:
		var p protocol.UpdateAvailable
		if decode(env.Params, &p) != nil {
			return
		}
		c.update(func(s *Status) {
			s.UpdateAvailable = true
			s.WaitingVersion = p.New
			s.ReleaseNotes = p.Notes
		})

	case protocol.NotifyControllerChanged:
		var p protocol.ControllerChanged
		if decode(env.Params, &p) != nil {
			return
		}
		c.update(func(s *Status) {
			s.ActiveVersion = p.Version
			s.WaitingVersion = ""
			s.UpdateAvailable = false
		})
		c.mu.Lock()
		reload := c.reloadArmed
		c.reloadArmed = false
		c.mu.Unlock()
		if reload && c.opts.OnReload != nil {
			c.logger.Info("control transferred, reloading", "version", p.Version)
			c.dispatch(c.opts.OnReload)
		}

	case protocol.NotifyInstallFailed:
		var p protocol.InstallFailed
		if decode(env.Params, &p) != nil {
			return
		}
		c.update(func(s *Status) { s.LastError = "update " + p.Version + " failed: " + p.Reason })

	case protocol.NotifyNavigate:
		var p protocol.Navigate
		if decode(env.Params, &p) != nil {
			return
		}
		if fn := c.opts.OnNavigate; fn != nil {
			c.dispatch(func() { fn(p) })
		}

	case protocol.NotifySyncResult:
		var p protocol.SyncResult
		if decode(env.Params, &p) != nil {
			return
		}
		c.update(func(s *Status) {
			s.LastSync = time.Now()
			if p.Error != "" {
				s.LastError = "sync " + p.Tag + ": " + p.Error
			}
		})

	case protocol.NotifyConnectivity:
		var p protocol.Connectivity
		if decode(env.Params, &p) != nil {
			return
		}
		c.mu.Lock()
		c.originOnline = p.Online
		c.mu.Unlock()
		restored := c.update(func(s *Status) {
			s.LatencyMS = p.LatencyMS
			s.Quality = QualityUnknown
			if p.Online {
				s.Quality = QualityFor(time.Duration(p.LatencyMS) * time.Millisecond)
			}
		})
		if restored {
			go c.syncTags(ctx, c.Tags())
		}
	}
}

func decode(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return perrors.New(perrors.CodeInvalidInput, "empty params")
	}
	return json.Unmarshal(raw, out)
}

func (c *Coordinator) refreshVersion(ctx context.Context) {
	var v protocol.VersionResult
	if err := c.call(ctx, protocol.MethodVersion, nil, &v); err != nil {
		c.logger.Debug("read agent version", "error", err)
		return
	}
	c.update(func(s *Status) {
		s.ActiveVersion = v.Active
		s.WaitingVersion = v.Waiting
		s.UpdateAvailable = v.Waiting != ""
		if v.Waiting != "" {
			s.ReleaseNotes = v.Notes
		}
	})
}

// syncTags triggers a drain for each registered tag after connectivity
// comes back.
func (c *Coordinator) syncTags(ctx context.Context, tags []string) {
	for _, tag := range tags {
		var res protocol.SyncResult
		if err := c.call(ctx, protocol.MethodSyncTrigger, protocol.SyncParams{Tag: tag}, &res); err != nil {
			c.logger.Warn("sync after reconnect", "tag", tag, "error", err)
			continue
		}
		c.logger.Info("sync after reconnect", "tag", tag, "replayed", res.Replayed, "remaining", res.Remaining)
	}
}
