// Package lifecycle owns the agent's install → waiting → active → redundant
// progression and the table of current cache store versions.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/basket/go-offline/internal/cache"
)

type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// validTransitions lists every legal edge; anything else is rejected.
var validTransitions = map[State][]State{
	StateInstalling: {StateWaiting, StateRedundant},
	StateWaiting:    {StateActivating, StateRedundant},
	StateActivating: {StateActive},
	StateActive:     {StateRedundant},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Instance is one installed (or installing) agent version.
type Instance struct {
	ID          string      `json:"id"`
	Version     string      `json:"version"`
	State       State       `json:"state"`
	Notes       string      `json:"notes,omitempty"`
	Static      cache.Store `json:"static_store"`
	Dynamic     cache.Store `json:"dynamic_store"`
	InstalledAt time.Time   `json:"installed_at"`
}

func (i *Instance) transition(to State) (State, error) {
	from := i.State
	if !CanTransition(from, to) {
		return from, fmt.Errorf("invalid lifecycle transition %s -> %s for %s", from, to, i.Version)
	}
	i.State = to
	return from, nil
}

// Release describes a deployable version: its manifest of asset paths
// written to the static store at install time.
type Release struct {
	Version  string
	Manifest []string
	Notes    string
}

// VersionTable maps logical store names to the version that is current.
type VersionTable map[string]string

// Status is a point-in-time snapshot of the controller.
type Status struct {
	Active     *Instance    `json:"active,omitempty"`
	Waiting    *Instance    `json:"waiting,omitempty"`
	Installing *Instance    `json:"installing,omitempty"`
	Table      VersionTable `json:"version_table"`
}
