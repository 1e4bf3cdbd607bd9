// Package message defines the envelope exchanged between modules across the fleet.
package message

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrNotJSON marks a queue body that is not an inline envelope (an offloaded blob key).
var ErrNotJSON = errors.New("message body is not an inline envelope")

// Message targets a deployment (PluginID, PluginVersion, ModuleClass).
// PluginID 0 addresses the system handler of an instance.
//
// CurrentLocation and CurrentInstance are stamped by the router, never by the sender.
type Message struct {
	ID            string     `json:"id"`
	PluginID      int        `json:"pluginId"`
	PluginVersion float64    `json:"pluginVersion"`
	ModuleClass   string     `json:"moduleClass"`
	Attributes    Attributes `json:"attributes"`

	SourceInstance      string  `json:"sourceInstance,omitempty"`
	SourcePluginID      int     `json:"sourcePluginId,omitempty"`
	SourcePluginVersion float64 `json:"sourcePluginVersion,omitempty"`
	SourceModuleClass   string  `json:"sourceModuleClass,omitempty"`

	CurrentLocation string `json:"currentLocation,omitempty"`
	CurrentInstance string `json:"currentInstance,omitempty"`
	LastError       string `json:"lastError,omitempty"`
	ExecutionCount  int    `json:"executionCount"`
}

// New creates a message for the given target with a fresh id.
func New(pluginID int, version float64, class string) *Message {
	return &Message{ID: uuid.NewString(), PluginID: pluginID, PluginVersion: version, ModuleClass: class}
}

// System creates a message for the system handler carrying a command attribute.
func System(command string) *Message {
	m := New(0, 0, "")
	m.Attributes.Set("command", command)
	return m
}

func (m *Message) IsSystem() bool { return m.PluginID == 0 }

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Attributes = m.Attributes.Clone()
	return &cp
}

// ReplyTo addresses m back to the module that sent req, with req's target as
// the new source. The caller routes it to req.SourceInstance.
func (m *Message) ReplyTo(req *Message) {
	m.PluginID, m.PluginVersion, m.ModuleClass = req.SourcePluginID, req.SourcePluginVersion, req.SourceModuleClass
	m.SourcePluginID, m.SourcePluginVersion, m.SourceModuleClass = req.PluginID, req.PluginVersion, req.ModuleClass
}

// Encode serializes the envelope for a queue body.
func Encode(m *Message) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsInline reports whether a queue body carries the envelope itself.
func IsInline(body string) bool {
	return strings.HasPrefix(strings.TrimSpace(body), "{")
}

func Decode(body string) (*Message, error) {
	if !IsInline(body) {
		return nil, ErrNotJSON
	}
	var m Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ---- attributes ----

// Attributes is an insertion-ordered key/value map. The zero value is ready to use.
type Attributes struct {
	m *orderedmap.OrderedMap[string, any]
}

func (a *Attributes) Set(key string, value any) {
	if a.m == nil {
		a.m = orderedmap.New[string, any]()
	}
	a.m.Set(key, value)
}

func (a Attributes) Get(key string) (any, bool) {
	if a.m == nil {
		return nil, false
	}
	return a.m.Get(key)
}

// String returns the attribute as a string, or "" when absent or not a string.
func (a Attributes) String(key string) string {
	v, _ := a.Get(key)
	s, _ := v.(string)
	return s
}

func (a *Attributes) Delete(key string) {
	if a.m != nil {
		a.m.Delete(key)
	}
}

func (a Attributes) Len() int {
	if a.m == nil {
		return 0
	}
	return a.m.Len()
}

// Keys returns keys in insertion order.
func (a Attributes) Keys() []string {
	if a.m == nil {
		return nil
	}
	out := make([]string, 0, a.m.Len())
	for p := a.m.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

func (a Attributes) Clone() Attributes {
	if a.m == nil {
		return Attributes{}
	}
	var out Attributes
	for p := a.m.Oldest(); p != nil; p = p.Next() {
		out.Set(p.Key, p.Value)
	}
	return out
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	if a.m == nil {
		return []byte("{}"), nil
	}
	return a.m.MarshalJSON()
}

func (a *Attributes) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		a.m = nil
		return nil
	}
	m := orderedmap.New[string, any]()
	if err := m.UnmarshalJSON(b); err != nil {
		return err
	}
	a.m = m
	return nil
}
