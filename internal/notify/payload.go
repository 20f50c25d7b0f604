// Package notify turns push payloads into notifications, shows them on the
// configured surfaces, and routes the user's response back to the
// application.
package notify

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Built-in actions.
const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

// Defaults applied when a payload leaves a field empty.
const (
	DefaultTitle     = "New notification"
	DefaultIcon      = "/icons/icon-192x192.png"
	DefaultViewRoute = "/dashboard"
)

// Limits applied to JSON payloads. Oversized text is cut, extra actions
// are dropped.
const (
	MaxTitleRunes = 256
	MaxBodyRunes  = 4096
	MaxActions    = 4
)

// payloadSchema only requires a JSON object. Field shapes are normalized by
// the parser, so a loosely typed payload still renders.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object"
}`

// Action is one button on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title,omitempty"`
}

// Notification is a push payload after defaults are applied.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Icon      string    `json:"icon"`
	Route     string    `json:"route,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	Actions   []Action  `json:"actions"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultActions is the fixed action set used when a payload names none.
func DefaultActions() []Action {
	return []Action{{Action: ActionView, Title: "View"}, {Action: ActionDismiss, Title: "Dismiss"}}
}

// Defaults are the per-deployment fallbacks for empty payload fields.
type Defaults struct {
	Title     string
	Icon      string
	ViewRoute string
}

func (d Defaults) withFallbacks() Defaults {
	if d.Title == "" {
		d.Title = DefaultTitle
	}
	if d.Icon == "" {
		d.Icon = DefaultIcon
	}
	if d.ViewRoute == "" {
		d.ViewRoute = DefaultViewRoute
	}
	return d
}

// Parser turns raw push payloads into notifications.
type Parser struct {
	schema   *jsonschema.Schema
	defaults Defaults
}

func NewParser(defaults Defaults) (*Parser, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("push-payload.json", doc); err != nil {
		return nil, fmt.Errorf("add payload schema: %w", err)
	}
	schema, err := c.Compile("push-payload.json")
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &Parser{schema: schema, defaults: defaults.withFallbacks()}, nil
}

// Parse builds a Notification from raw. A JSON object is read field by
// field: values of the wrong type fall back to defaults and oversized values
// are trimmed. Anything else is treated as plain text and becomes the body.
// Parse never rejects a payload.
func (p *Parser) Parse(raw []byte) (*Notification, error) {
	n := &Notification{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	trimmed := bytes.TrimSpace(raw)

	if len(trimmed) > 0 && trimmed[0] == '{' {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
		if err == nil && p.schema.Validate(doc) == nil {
			fields, _ := doc.(map[string]any)
			n.Title = truncate(stringField(fields, "title"), MaxTitleRunes)
			n.Body = truncate(stringField(fields, "body"), MaxBodyRunes)
			n.Icon = stringField(fields, "icon")
			n.Tag = stringField(fields, "tag")
			n.Route = normalizeRoute(stringField(fields, "route"))
			n.Actions = actionsField(fields["actions"])
			p.applyDefaults(n)
			return n, nil
		}
		// Not a JSON object after all: fall through to plain text.
	}

	n.Body = truncate(string(trimmed), MaxBodyRunes)
	p.applyDefaults(n)
	return n, nil
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return strings.TrimSpace(v)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// normalizeRoute roots a relative route at "/". Absolute URLs point away
// from the app and are dropped.
func normalizeRoute(route string) string {
	if route == "" {
		return ""
	}
	u, err := url.Parse(route)
	if err != nil || u.IsAbs() || u.Host != "" {
		return ""
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return route
}

// actionsField keeps well-formed actions, up to MaxActions.
func actionsField(v any) []Action {
	items, _ := v.([]any)
	var out []Action
	for _, item := range items {
		if len(out) == MaxActions {
			break
		}
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := stringField(obj, "action")
		if name == "" {
			continue
		}
		out = append(out, Action{Action: name, Title: stringField(obj, "title")})
	}
	return out
}

func (p *Parser) applyDefaults(n *Notification) {
	if n.Title == "" {
		n.Title = p.defaults.Title
	}
	if n.Icon == "" {
		n.Icon = p.defaults.Icon
	}
	if len(n.Actions) == 0 {
		n.Actions = DefaultActions()
	}
}

// Route decides what an interaction does. view opens the payload route
// (or viewRoute), dismiss only closes, anything else opens the root.
func Route(action, payloadRoute, viewRoute string) (route string, open bool) {
	switch action {
	case ActionView:
		if payloadRoute != "" {
			return payloadRoute, true
		}
		if viewRoute == "" {
			viewRoute = DefaultViewRoute
		}
		return viewRoute, true
	case ActionDismiss:
		return "", false
	default:
		return "/", true
	}
}
