package fakebackend

import (
	"maps"
	"time"

	"gopkg.in/yaml.v3"
)

// ExportFormat tags snapshots written by Export.
const ExportFormat = "1.0"

// Snapshot is the transportable form of an environment.
type Snapshot struct {
	Meta      SnapshotMeta      `json:"meta" yaml:"meta"`
	Services  []ServiceSnapshot `json:"services" yaml:"services"`
	Relations [][2]string       `json:"relations" yaml:"relations"`
	// Annotations are the environment's.
	Annotations map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// SnapshotMeta describes where a snapshot came from.
type SnapshotMeta struct {
	ExportFormat string `json:"exportFormat" yaml:"exportFormat"`
	ExportedAt   string `json:"exportedAt,omitempty" yaml:"exportedAt,omitempty"`
	Environment  string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// ServiceSnapshot is one exported service.
type ServiceSnapshot struct {
	Name        string            `json:"name" yaml:"name"`
	Charm       string            `json:"charm" yaml:"charm"`
	Config      map[string]any    `json:"config,omitempty" yaml:"config,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Exposed     bool              `json:"exposed" yaml:"exposed"`
	NumUnits    int               `json:"num_units" yaml:"num_units"`
	Annotations map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	Units       []UnitSnapshot    `json:"units,omitempty" yaml:"units,omitempty"`
}

// UnitSnapshot is the per-unit state of an exported service, in unit order.
type UnitSnapshot struct {
	AgentState     string            `json:"agent_state,omitempty" yaml:"agent_state,omitempty"`
	AgentStateInfo string            `json:"agent_state_info,omitempty" yaml:"agent_state_info,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// Export captures services, units, relations and environment annotations.
func (s *State) Export() (*Snapshot, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Meta: SnapshotMeta{
			ExportFormat: ExportFormat,
			ExportedAt:   time.Now().UTC().Format(time.RFC3339),
			Environment:  s.env.Name,
		},
		Services:    []ServiceSnapshot{},
		Relations:   [][2]string{},
		Annotations: maps.Clone(s.env.Annotations),
	}
	for _, svc := range s.services.each() {
		c := svc.clone()
		units := s.Units(c.Name)
		entry := ServiceSnapshot{
			Name:        c.Name,
			Charm:       c.Charm,
			Config:      c.Config,
			Constraints: c.Constraints,
			Exposed:     c.Exposed,
			NumUnits:    len(units),
			Annotations: c.Annotations,
		}
		for _, u := range units {
			entry.Units = append(entry.Units, UnitSnapshot{
				AgentState:     u.AgentState,
				AgentStateInfo: u.AgentStateInfo,
				Annotations:    u.Annotations,
			})
		}
		snap.Services = append(snap.Services, entry)
	}
	for _, r := range s.relations.each() {
		if len(r.Endpoints) == 2 {
			snap.Relations = append(snap.Relations, [2]string{r.Endpoints[0].String(), r.Endpoints[1].String()})
		}
	}
	return snap, nil
}

// ParseSnapshot reads a snapshot in JSON or YAML.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, errorf("Invalid environment data: %v", err)
	}
	return &snap, nil
}

// Import adds a snapshot's services and relations. Everything is checked
// before anything is created.
func (s *State) Import(data []byte) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	snap, err := ParseSnapshot(data)
	if err != nil {
		return err
	}
	return s.ImportSnapshot(snap)
}

// ImportSnapshot is Import for an already parsed snapshot. Principal
// services get exactly num_units units; subordinate units appear as their
// relations are added. Unit details then apply in unit order.
func (s *State) ImportSnapshot(snap *Snapshot) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	if err := s.validateSnapshot(snap); err != nil {
		return err
	}
	for _, svc := range snap.Services {
		deployed, err := s.deploy(svc.Charm, DeployOptions{
			ServiceName: svc.Name,
			Config:      svc.Config,
			Constraints: svc.Constraints,
		}, max(svc.NumUnits, 0))
		if err != nil {
			return err
		}
		live, _ := s.services.get(deployed.Service.Name)
		live.Exposed = svc.Exposed
		for k, v := range svc.Annotations {
			live.Annotations[k] = v
		}
	}
	for _, pair := range snap.Relations {
		if _, err := s.AddRelation(pair[0], pair[1]); err != nil {
			return err
		}
	}
	for _, svc := range snap.Services {
		s.restoreUnits(svc.Name, svc.Units)
	}
	if len(snap.Annotations) > 0 {
		maps.Copy(s.env.Annotations, snap.Annotations)
		s.changes.touch(KindAnnotations, EnvEntity)
	}
	return nil
}

func (s *State) restoreUnits(service string, details []UnitSnapshot) {
	i := 0
	for _, u := range s.units.each() {
		if u.Service != service {
			continue
		}
		if i == len(details) {
			return
		}
		d := details[i]
		i++
		if d.AgentState != "" {
			u.AgentState = d.AgentState
			u.AgentStateInfo = d.AgentStateInfo
		}
		if len(d.Annotations) > 0 {
			if u.Annotations == nil {
				u.Annotations = map[string]string{}
			}
			maps.Copy(u.Annotations, d.Annotations)
		}
		s.changes.touch(KindUnit, u.ID)
	}
}

func (s *State) validateSnapshot(snap *Snapshot) error {
	charms := map[string]*Charm{}
	for _, svc := range s.services.each() {
		if c, ok := s.charms.Resolve(svc.Charm); ok {
			charms[svc.Name] = c
		}
	}
	incoming := map[string]bool{}
	for _, svc := range snap.Services {
		if svc.Name == "" {
			return errorf("Service without a name in environment data.")
		}
		if _, exists := s.services.get(svc.Name); exists || incoming[svc.Name] {
			return &Error{Message: MsgServiceExists}
		}
		c, ok := s.charms.Resolve(svc.Charm)
		if !ok {
			return charmNotFound(svc.Charm)
		}
		incoming[svc.Name] = true
		charms[svc.Name] = c
	}
	seen := map[[2]string]bool{}
	for _, pair := range snap.Relations {
		a, b := parseEndpoint(pair[0]), parseEndpoint(pair[1])
		ca, okA := charms[a.service]
		cb, okB := charms[b.service]
		if !okA || !okB {
			return &Error{Message: MsgCharmNotLoaded}
		}
		rel, err := matchRelation(a, ca, b, cb)
		if err != nil {
			return err
		}
		key := [2]string{rel.Endpoints[0].String(), rel.Endpoints[1].String()}
		if seen[key] || s.findRelation(parseEndpoint(key[0]), parseEndpoint(key[1])) != nil {
			return &Error{Message: MsgRelationExists}
		}
		seen[key] = true
	}
	return nil
}
