// Package ivr implements menu-tree definitions and the traversal engine
// that drives a caller through them using decoded DTMF digits.
package ivr

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType is what selecting a menu option does.
type ActionType string

const (
	ActionSubmenu  ActionType = "submenu"
	ActionParent   ActionType = "parent"
	ActionRepeat   ActionType = "repeat"
	ActionTransfer ActionType = "transfer"
	ActionGotoFlow ActionType = "goto_flow"
	ActionHangup   ActionType = "hangup"
)

// Defaults applied when a menu omits them.
const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 3
)

// Option is one digit mapping inside a menu.
type Option struct {
	Action ActionType `json:"action"`
	Label  string     `json:"label,omitempty"`
	// Menu is the child menu for submenu actions.
	Menu *MenuNode `json:"menu,omitempty"`
	// Target is a team ID (transfer) or flow ID (goto_flow).
	Target string `json:"target,omitempty"`
}

// MenuNode is one level of an IVR menu tree. Trees are built once per flow
// load and are read-only during traversal; only the parent back-references
// are computed after unmarshaling.
type MenuNode struct {
	Greeting   string             `json:"greeting,omitempty"`
	Options    map[string]*Option `json:"options"`
	TimeoutSec int                `json:"timeout_seconds,omitempty"`
	MaxRetries int                `json:"max_retries,omitempty"`

	// parent is non-owning and used only for "go back" navigation.
	parent *MenuNode
}

// Timeout returns the per-attempt input timeout.
func (m *MenuNode) Timeout() time.Duration {
	if m.TimeoutSec <= 0 {
		return DefaultTimeout
	}
	return time.Duration(m.TimeoutSec) * time.Second
}

// Retries returns how many timeout periods to wait before giving up.
func (m *MenuNode) Retries() int {
	if m.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return m.MaxRetries
}

// Parent returns the enclosing menu, or nil at the root.
func (m *MenuNode) Parent() *MenuNode {
	return m.parent
}

// Flow is a parsed, traversal-ready menu tree.
type Flow struct {
	ID     string
	Name   string
	Active bool
	Root   *MenuNode
}

// flowDefinition is the stored JSON shape of a flow.
type flowDefinition struct {
	Active *bool     `json:"active,omitempty"`
	Root   *MenuNode `json:"root"`
}

// ParseFlow builds a Flow from a stored definition, validating option
// actions and wiring parent back-references.
func ParseFlow(id, name string, definition json.RawMessage) (*Flow, error) {
	var def flowDefinition
	if err := json.Unmarshal(definition, &def); err != nil {
		return nil, fmt.Errorf("parsing flow %s: %w", id, err)
	}
	if def.Root == nil {
		return nil, fmt.Errorf("flow %s has no root menu", id)
	}

	if err := validateMenu(def.Root); err != nil {
		return nil, fmt.Errorf("flow %s: %w", id, err)
	}
	linkParents(def.Root, nil)

	active := true
	if def.Active != nil {
		active = *def.Active
	}

	return &Flow{ID: id, Name: name, Active: active, Root: def.Root}, nil
}

func validateMenu(m *MenuNode) error {
	for digit, opt := range m.Options {
		if opt == nil {
			return fmt.Errorf("digit %q has no option", digit)
		}
		switch opt.Action {
		case ActionSubmenu:
			if opt.Menu == nil {
				return fmt.Errorf("digit %q: submenu action without child menu", digit)
			}
			if err := validateMenu(opt.Menu); err != nil {
				return err
			}
		case ActionTransfer, ActionGotoFlow:
			if opt.Target == "" {
				return fmt.Errorf("digit %q: %s action without target", digit, opt.Action)
			}
		case ActionParent, ActionRepeat, ActionHangup:
		default:
			return fmt.Errorf("digit %q: unknown action %q", digit, opt.Action)
		}
	}
	return nil
}

func linkParents(m *MenuNode, parent *MenuNode) {
	m.parent = parent
	for _, opt := range m.Options {
		if opt.Action == ActionSubmenu && opt.Menu != nil {
			linkParents(opt.Menu, m)
		}
	}
}

// PathEntry is one breadcrumb in the caller's navigation history.
type PathEntry struct {
	Digit  string     `json:"digit,omitempty"`
	Action ActionType `json:"action"`
	Label  string     `json:"label,omitempty"`
	// FlowName is set on goto_flow entries to record the hop.
	FlowName string    `json:"flow_name,omitempty"`
	At       time.Time `json:"at"`
}

// MarshalPath serializes a breadcrumb trail for persistence.
func MarshalPath(path []PathEntry) json.RawMessage {
	data, err := json.Marshal(path)
	if err != nil {
		return nil
	}
	return data
}
