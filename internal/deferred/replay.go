package deferred

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/basket/go-offline/internal/persistence"
	"github.com/basket/go-offline/internal/strategy"
	perrors "github.com/jmgilman/go/errors"
)

// SyncTagHeader lets the application name the sync tag of a write.
const SyncTagHeader = "X-Sync-Tag"

// HTTPPayload is the queued form of an intercepted write that could not
// reach the origin.
type HTTPPayload struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// EncodeHTTP serializes req for the queue. The sync tag header is dropped
// so the replay looks like the original write.
func EncodeHTTP(req *strategy.Request) (string, error) {
	h := req.Header.Clone()
	if h != nil {
		h.Del(SyncTagHeader)
	}
	raw, err := json.Marshal(HTTPPayload{Method: req.Method, URL: req.URL, Header: h, Body: req.Body})
	if err != nil {
		return "", perrors.Wrap(err, perrors.CodeInternal, "encode deferred request")
	}
	return string(raw), nil
}

// DecodeHTTP is the inverse of EncodeHTTP.
func DecodeHTTP(payload string) (*strategy.Request, error) {
	var p HTTPPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, perrors.Wrap(err, perrors.CodeInvalidInput, "decode deferred request")
	}
	if p.Method == "" || p.URL == "" {
		return nil, perrors.New(perrors.CodeInvalidInput, "deferred request has no method or url")
	}
	req := strategy.NewRequest(p.Method, p.URL)
	if p.Header != nil {
		req.Header = p.Header
	}
	req.Body = p.Body
	return req, nil
}

// HTTPReplay resends queued writes to the origin. A replay succeeds when the
// origin answers with a status below 500; a transport error or a 5xx keeps
// the action queued.
func HTTPReplay(f strategy.Fetcher, timeout time.Duration) Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return func(ctx context.Context, action persistence.DeferredAction) error {
		req, err := DecodeHTTP(action.Payload)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := f.Fetch(ctx, req)
		if err != nil {
			return err
		}
		if resp.Status >= http.StatusInternalServerError {
			return perrors.WithContext(
				perrors.Newf(perrors.CodeUnavailable, "replay %s %s answered %d", req.Method, req.URL, resp.Status),
				"status", resp.Status)
		}
		return nil
	}
}
