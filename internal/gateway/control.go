package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/basket/go-offline/internal/audit"
	"github.com/basket/go-offline/internal/protocol"
	perrors "github.com/jmgilman/go/errors"
)

// handlePush accepts a push payload (JSON or plain text) and hands it to
// the relay. Display happens asynchronously.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Relay == nil {
		writeJSONError(w, http.StatusNotImplemented, "notification relay is not configured")
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "push payload too large")
		return
	}
	n, err := s.cfg.Relay.Deliver(r.Context(), raw)
	if err != nil {
		audit.Record(audit.Fail, "push", err.Error(), r.RemoteAddr, "")
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	audit.Record(audit.Allow, "push", "delivered "+n.ID, r.RemoteAddr, "")
	writeJSON(w, http.StatusAccepted, map[string]any{"id": n.ID, "title": n.Title, "route": n.Route})
}

// handleSync is the external sync trigger for one tag.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := strings.TrimSpace(r.PathValue("tag"))
	if tag == "" {
		writeJSONError(w, http.StatusBadRequest, "tag is required")
		return
	}
	if s.cfg.Queue == nil {
		writeJSONError(w, http.StatusNotImplemented, "deferred queue is not configured")
		return
	}
	res := s.syncTag(r.Context(), tag)
	decision, reason := audit.Allow, "ok"
	if res.Error != "" {
		decision, reason = audit.Fail, res.Error
	}
	audit.Record(decision, "sync/"+tag, reason, r.RemoteAddr, "")
	writeJSON(w, http.StatusOK, res)
}

// syncTag drains tag within DrainTimeout and reports the outcome. A stalled
// drain is a result, not a failure of the trigger.
func (s *Server) syncTag(ctx context.Context, tag string) protocol.SyncResult {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	res, err := s.cfg.Queue.Drain(ctx, tag)
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}
	return protocol.SyncResult{Tag: tag, Replayed: res.Replayed, Remaining: res.Remaining, Error: res.Error}
}

func statusFor(err error) int {
	switch perrors.GetCode(err) {
	case perrors.CodeInvalidInput, perrors.CodeSchemaFailed:
		return http.StatusBadRequest
	case perrors.CodeNotFound:
		return http.StatusNotFound
	case perrors.CodeConflict:
		return http.StatusConflict
	case perrors.CodeNotImplemented:
		return http.StatusNotImplemented
	case perrors.CodeUnavailable, perrors.CodeNetwork, perrors.CodeTimeout, perrors.CodeDatabase:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
