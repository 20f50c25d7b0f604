package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/basket/go-offline/internal/audit"
	"github.com/basket/go-offline/internal/lifecycle"
	otelpkg "github.com/basket/go-offline/internal/otel"
	"github.com/basket/go-offline/internal/protocol"
	"github.com/basket/go-offline/internal/shared"
	perrors "github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/attribute"
)

// auditedMethods change agent state and leave an audit record.
var auditedMethods = map[string]bool{
	protocol.MethodSkipWaiting:  true,
	protocol.MethodUpdateCheck:  true,
	protocol.MethodCacheClear:   true,
	protocol.MethodSyncRegister: true,
	protocol.MethodSyncTrigger:  true,
	protocol.MethodShare:        true,
}

func (s *Server) handleRPC(ctx context.Context, req protocol.Request) *protocol.Message {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != protocol.JSONRPCVersion || req.Method == "" {
		if !hasID {
			return nil
		}
		return errorMessage(id, &protocol.Error{Code: protocol.ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"})
	}

	ctx, span := otelpkg.StartServerSpan(ctx, s.tracer, "rpc."+req.Method, attribute.String("rpc.method", req.Method))
	defer span.End()

	result, rpcErr := s.dispatch(ctx, req)
	if rpcErr != nil {
		span.SetAttributes(attribute.Int("rpc.error_code", rpcErr.Code))
		s.logger.Info("ws: request failed", "method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message)
	}
	if auditedMethods[req.Method] {
		decision, reason := audit.Allow, "ok"
		if rpcErr != nil {
			decision, reason = audit.Fail, rpcErr.Message
		}
		traceID := ""
		if sc := span.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		audit.Record(decision, "rpc."+req.Method, reason, shared.ClientID(ctx), traceID)
	}
	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return errorMessage(id, rpcErr)
	}
	return &protocol.Message{JSONRPC: protocol.JSONRPCVersion, ID: id, Result: result}
}

func (s *Server) dispatch(ctx context.Context, req protocol.Request) (any, *protocol.Error) {
	switch req.Method {
	case protocol.MethodHello:
		return protocol.HelloResult{Protocol: "offline-agent", Version: protocol.Version, Agent: s.cfg.AgentVersion}, nil

	case protocol.MethodVersion:
		if s.cfg.Lifecycle == nil {
			return nil, unavailable("lifecycle")
		}
		return versionResult(s.cfg.Lifecycle.Status()), nil

	case protocol.MethodSkipWaiting:
		if s.cfg.Lifecycle == nil {
			return nil, unavailable("lifecycle")
		}
		if err := s.cfg.Lifecycle.SkipWaiting(ctx); err != nil {
			return nil, protocol.ErrorFor(err)
		}
		return versionResult(s.cfg.Lifecycle.Status()), nil

	case protocol.MethodUpdateCheck:
		if s.cfg.UpdateCheck == nil {
			return nil, unavailable("update check")
		}
		res, err := s.cfg.UpdateCheck(ctx)
		if err != nil {
			return nil, protocol.ErrorFor(err)
		}
		return res, nil

	case protocol.MethodCacheClear:
		if s.cfg.Caches == nil {
			return nil, unavailable("cache registry")
		}
		deleted, err := s.cfg.Caches.DeleteAll(ctx)
		if err != nil {
			return nil, protocol.ErrorFor(err)
		}
		if deleted == nil {
			deleted = []string{}
		}
		s.logger.Info("caches cleared", "stores", len(deleted))
		return protocol.CacheClearResult{Deleted: deleted}, nil

	case protocol.MethodSyncRegister:
		var p protocol.SyncParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		if s.cfg.Queue == nil {
			return nil, unavailable("deferred queue")
		}
		if err := s.cfg.Queue.Register(ctx, p.Tag); err != nil {
			return nil, protocol.ErrorFor(err)
		}
		return map[string]any{"tag": p.Tag, "registered": true}, nil

	case protocol.MethodSyncTrigger:
		var p protocol.SyncParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		if s.cfg.Queue == nil {
			return nil, unavailable("deferred queue")
		}
		return s.syncTag(ctx, p.Tag), nil

	case protocol.MethodNotificationAction:
		var p protocol.NotificationActionParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &protocol.Error{Code: protocol.ErrCodeInvalidParams, Message: "invalid params"}
		}
		if s.cfg.Relay == nil {
			return nil, unavailable("notification relay")
		}
		in, err := s.cfg.Relay.HandleAction(ctx, p.ID, p.Action)
		if err != nil {
			return nil, protocol.ErrorFor(err)
		}
		return protocol.NotificationActionResult{Route: in.Route, Opened: in.Opened}, nil

	case protocol.MethodShare:
		var p protocol.ShareParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &protocol.Error{Code: protocol.ErrCodeInvalidParams, Message: "invalid params"}
		}
		if s.cfg.Sharer == nil {
			return nil, protocol.ErrorFor(perrors.New(perrors.CodeNotImplemented, "no share target configured"))
		}
		if err := s.cfg.Sharer.Share(ctx, p.Title, p.Text, p.URL); err != nil {
			return nil, protocol.ErrorFor(err)
		}
		return map[string]any{"shared": true}, nil

	default:
		return nil, &protocol.Error{Code: protocol.ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func decodeParams(raw json.RawMessage, p *protocol.SyncParams) *protocol.Error {
	if err := json.Unmarshal(raw, p); err != nil {
		return &protocol.Error{Code: protocol.ErrCodeInvalidParams, Message: "invalid params"}
	}
	p.Tag = strings.TrimSpace(p.Tag)
	if p.Tag == "" {
		return &protocol.Error{Code: protocol.ErrCodeInvalidParams, Message: "tag is required"}
	}
	return nil
}

func versionResult(st lifecycle.Status) protocol.VersionResult {
	out := protocol.VersionResult{Table: map[string]string{}}
	if st.Active != nil {
		out.Active = st.Active.Version
		out.Notes = st.Active.Notes
	}
	if st.Waiting != nil {
		out.Waiting = st.Waiting.Version
		out.Notes = st.Waiting.Notes
	}
	if st.Installing != nil {
		out.Installing = st.Installing.Version
	}
	for k, v := range st.Table {
		out.Table[k] = v
	}
	return out
}

func unavailable(what string) *protocol.Error {
	return &protocol.Error{Code: protocol.ErrCodeNotImplemented, Message: what + " is not available"}
}

func errorMessage(id any, e *protocol.Error) *protocol.Message {
	return &protocol.Message{JSONRPC: protocol.JSONRPCVersion, ID: id, Error: e}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil || generic == nil {
		return nil, false
	}
	return generic, true
}
