package fakebackend

import (
	"encoding/json"
	"maps"
)

// Relation roles. The Go dialect renames them on the wire.
const (
	RoleClient = "client"
	RoleServer = "server"
	RolePeer   = "peer"
)

// Relation scopes.
const (
	ScopeGlobal    = "global"
	ScopeContainer = "container"
)

// Agent states.
const (
	AgentPending = "pending"
	AgentStarted = "started"
	AgentError   = "error"
)

// RelationDef is one relation a charm declares.
type RelationDef struct {
	Interface string `yaml:"interface" json:"interface"`
	Scope     string `yaml:"scope,omitempty" json:"scope,omitempty"`
}

// OptionDef describes a charm config option.
type OptionDef struct {
	Type        string `yaml:"type" json:"type"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Charm is a charm store entry.
type Charm struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Series      string                 `json:"series"`
	Revision    int                    `json:"revision"`
	Summary     string                 `json:"summary,omitempty"`
	Description string                 `json:"description,omitempty"`
	Subordinate bool                   `json:"is_subordinate"`
	Provides    map[string]RelationDef `json:"provides,omitempty"`
	Requires    map[string]RelationDef `json:"requires,omitempty"`
	Peers       map[string]RelationDef `json:"peers,omitempty"`
	Options     map[string]OptionDef   `json:"options,omitempty"`
}

// Service is a deployed charm.
type Service struct {
	Name        string
	Charm       string
	Config      map[string]any
	Constraints map[string]string
	Exposed     bool
	Subordinate bool
	Life        string
	Annotations map[string]string
	unitSeq     int
}

// Unit is one instance of a service.
type Unit struct {
	ID             string
	Service        string
	Number         int
	Machine        string
	AgentState     string
	AgentStateInfo string
	PublicAddress  string
	Annotations    map[string]string
}

// Machine hosts units.
type Machine struct {
	ID            string
	InstanceID    string
	AgentState    string
	PublicAddress string
	Series        string
}

// Endpoint is one side of a relation.
type Endpoint struct {
	Service string
	Name    string
	Role    string
}

// MarshalJSON renders the endpoint as the [service, {name, role}] pair.
func (e Endpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Service, map[string]string{"name": e.Name, "role": e.Role}})
}

// String renders service:relation.
func (e Endpoint) String() string {
	return e.Service + ":" + e.Name
}

// Relation joins two endpoints.
type Relation struct {
	ID        string
	Interface string
	Scope     string
	Endpoints []Endpoint
}

// Environment is the singleton describing the sandbox itself.
type Environment struct {
	Name          string
	UUID          string
	ProviderType  string
	DefaultSeries string
	Annotations   map[string]string
}

func (s *Service) clone() *Service {
	c := *s
	c.Config = maps.Clone(s.Config)
	c.Constraints = maps.Clone(s.Constraints)
	c.Annotations = maps.Clone(s.Annotations)
	return &c
}

func (u *Unit) clone() *Unit {
	c := *u
	c.Annotations = maps.Clone(u.Annotations)
	return &c
}

func (m *Machine) clone() *Machine {
	c := *m
	return &c
}

func (r *Relation) clone() *Relation {
	c := *r
	c.Endpoints = append([]Endpoint(nil), r.Endpoints...)
	return &c
}

// HasService reports whether the relation has an endpoint on the service.
func (r *Relation) HasService(name string) bool {
	for _, ep := range r.Endpoints {
		if ep.Service == name {
			return true
		}
	}
	return false
}
