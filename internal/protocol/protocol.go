// Package protocol defines the JSON-RPC 2.0 message channel between the
// agent and the application it serves.
package protocol

import (
	"encoding/json"

	perrors "github.com/jmgilman/go/errors"
)

const (
	JSONRPCVersion = "2.0"
	Version        = "1.0"
)

// Application → agent methods.
const (
	MethodHello              = "system.hello"
	MethodSkipWaiting        = "agent.skip_waiting"
	MethodVersion            = "agent.version"
	MethodUpdateCheck        = "agent.update_check"
	MethodCacheClear         = "cache.clear"
	MethodSyncRegister       = "sync.register"
	MethodSyncTrigger        = "sync.trigger"
	MethodNotificationAction = "notification.action"
	MethodShare              = "share"
)

// Agent → application notifications.
const (
	NotifyUpdateAvailable   = "agent.update_available"
	NotifyControllerChanged = "agent.controller_changed"
	NotifyState             = "agent.state"
	NotifyInstallFailed     = "agent.install_failed"
	NotifyNavigate          = "client.navigate"
	NotifyInstallPrompt     = "install.prompt"
	NotifySyncResult        = "sync.result"
	NotifyConnectivity      = "agent.connectivity"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid        = 1000
	ErrCodeNotFound       = 1404
	ErrCodeConflict       = 1409
	ErrCodeNotImplemented = 1501
	ErrCodeUnavailable    = 1503
)

// Request is an incoming call. A request without an ID is a notification
// and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Message is what the agent writes: a response when ID is set, a
// notification when Method is set.
type Message struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	Method  string `json:"method,omitempty"`
	Params  any    `json:"params,omitempty"`
}

// Envelope is the client-side view of a Message with the payload left raw.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// ErrorFor maps a classified error onto the wire taxonomy.
func ErrorFor(err error) *Error {
	if err == nil {
		return nil
	}
	code := ErrCodeInternal
	switch perrors.GetCode(err) {
	case perrors.CodeInvalidInput, perrors.CodeSchemaFailed:
		code = ErrCodeInvalid
	case perrors.CodeNotFound:
		code = ErrCodeNotFound
	case perrors.CodeConflict:
		code = ErrCodeConflict
	case perrors.CodeNotImplemented:
		code = ErrCodeNotImplemented
	case perrors.CodeNetwork, perrors.CodeTimeout, perrors.CodeUnavailable, perrors.CodeDatabase:
		code = ErrCodeUnavailable
	}
	return &Error{Code: code, Message: err.Error()}
}

// AsPlatformError turns a wire error back into a classified error.
func (e *Error) AsPlatformError() error {
	code := perrors.CodeInternal
	switch e.Code {
	case ErrCodeInvalid, ErrCodeInvalidParams, ErrCodeInvalidRequest:
		code = perrors.CodeInvalidInput
	case ErrCodeNotFound, ErrCodeMethodNotFound:
		code = perrors.CodeNotFound
	case ErrCodeConflict:
		code = perrors.CodeConflict
	case ErrCodeNotImplemented:
		code = perrors.CodeNotImplemented
	case ErrCodeUnavailable:
		code = perrors.CodeUnavailable
	}
	return perrors.New(code, e.Message)
}

type HelloResult struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
	Agent    string `json:"agent_version"`
}

// VersionResult describes the lifecycle as the agent sees it.
type VersionResult struct {
	Active     string            `json:"active,omitempty"`
	Waiting    string            `json:"waiting,omitempty"`
	Installing string            `json:"installing,omitempty"`
	Notes      string            `json:"notes,omitempty"`
	Table      map[string]string `json:"version_table"`
}

type UpdateAvailable struct {
	Current string `json:"current"`
	New     string `json:"new"`
	Notes   string `json:"notes,omitempty"`
}

type ControllerChanged struct {
	Previous string `json:"previous,omitempty"`
	Version  string `json:"version"`
}

type StateChanged struct {
	InstanceID string `json:"instance_id"`
	Version    string `json:"version"`
	From       string `json:"from,omitempty"`
	To         string `json:"to"`
}

type InstallFailed struct {
	Version string `json:"version"`
	URL     string `json:"url,omitempty"`
	Reason  string `json:"reason"`
}

type Navigate struct {
	Route          string `json:"route"`
	NotificationID string `json:"notification_id,omitempty"`
}

type InstallPrompt struct {
	Version string `json:"version"`
	Notes   string `json:"notes,omitempty"`
}

type UpdateCheckResult struct {
	Version   string `json:"version"`
	Installed bool   `json:"installed"`
	Waiting   bool   `json:"waiting"`
}

type CacheClearResult struct {
	Deleted []string `json:"deleted"`
}

type SyncParams struct {
	Tag string `json:"tag"`
}

type SyncResult struct {
	Tag       string `json:"tag"`
	Replayed  int    `json:"replayed"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

type NotificationActionParams struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

type NotificationActionResult struct {
	Route  string `json:"route,omitempty"`
	Opened bool   `json:"opened"`
}

type ShareParams struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Connectivity is the agent's latest probe of the origin.
type Connectivity struct {
	Online    bool  `json:"online"`
	LatencyMS int64 `json:"latency_ms"`
}
