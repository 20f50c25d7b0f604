package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/go-offline/internal/cache"
	"github.com/basket/go-offline/internal/deferred"
	"github.com/basket/go-offline/internal/shared"
	"github.com/basket/go-offline/internal/strategy"
)

// BodyQueued answers a write that was queued for replay.
const BodyQueued = "Queued for sync"

// handleIntercept resolves one application request through the strategy
// executor. It always answers; failures become cached or synthetic replies.
func (s *Server) handleIntercept(w http.ResponseWriter, r *http.Request) {
	req, err := strategy.FromHTTP(r, s.cfg.MaxBodyBytes)
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	ctx := shared.WithRequestKey(r.Context(), req.Key())
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		ctx = shared.WithTraceID(ctx, traceID)
	}

	out := s.cfg.Executor.Handle(ctx, req)

	if tag := s.deferTag(req, out); tag != "" {
		payload, err := deferred.EncodeHTTP(req)
		if err == nil {
			action, qerr := s.cfg.Queue.Enqueue(ctx, tag, payload)
			if qerr == nil {
				s.logger.Info("offline write queued", "tag", tag, "action_id", action.ID, "method", req.Method, "url", req.URL)
				writeQueued(w, tag, action.ID)
				return
			}
			err = qerr
		}
		s.logger.Warn("queue offline write", "tag", tag, "error", err)
	}

	writeResponse(w, r.Method, out.Response)
}

// deferTag returns the sync tag for a write that failed to reach the
// origin, or "" when the outcome must be served as is.
func (s *Server) deferTag(req *strategy.Request, out strategy.Outcome) string {
	if s.cfg.Queue == nil || req.Method == http.MethodGet || req.Method == http.MethodHead {
		return ""
	}
	if out.NetworkErr == nil || out.Source != strategy.SourceSynthetic {
		return ""
	}
	if tag := strings.TrimSpace(req.Header.Get(deferred.SyncTagHeader)); tag != "" {
		return tag
	}
	path := req.Path()
	for _, prefix := range s.cfg.DeferredPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return prefix
		}
	}
	return ""
}

func writeQueued(w http.ResponseWriter, tag, actionID string) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set(strategy.SourceHeader, strategy.SourceSynthetic)
	h.Set(deferred.SyncTagHeader, tag)
	h.Set("X-Deferred-Action", actionID)
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(BodyQueued))
}

// writeResponse copies resp onto w. A HEAD reply keeps the origin's
// Content-Length since its body is always empty.
func writeResponse(w http.ResponseWriter, method string, resp *cache.Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if method != http.MethodHead || h.Get("Content-Length") == "" {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
