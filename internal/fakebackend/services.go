package fakebackend

import (
	"maps"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeployOptions tune Deploy. ServiceName defaults to the charm name.
// NumUnits below one means one unit; subordinate charms never get units.
type DeployOptions struct {
	ServiceName string
	Config      map[string]any
	ConfigYAML  string
	Constraints map[string]string
	NumUnits    int
}

// Deployed reports what Deploy created.
type Deployed struct {
	Service *Service
	Charm   *Charm
	Units   []string
}

// Deploy creates a service from a charm, plus its units and their machines.
func (s *State) Deploy(charmURL string, opts DeployOptions) (*Deployed, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}
	return s.deploy(charmURL, opts, max(opts.NumUnits, 1))
}

// deploy creates exactly units units for a principal charm.
func (s *State) deploy(charmURL string, opts DeployOptions, units int) (*Deployed, error) {
	charm, ok := s.charms.Resolve(charmURL)
	if !ok {
		return nil, charmNotFound(charmURL)
	}
	name := opts.ServiceName
	if name == "" {
		name = charm.Name
	}
	if _, exists := s.services.get(name); exists {
		return nil, &Error{Message: MsgServiceExists}
	}
	config := maps.Clone(opts.Config)
	if config == nil {
		config = map[string]any{}
	}
	if opts.ConfigYAML != "" {
		parsed, err := parseConfigYAML(opts.ConfigYAML)
		if err != nil {
			return nil, err
		}
		maps.Copy(config, parsed)
	}
	constraints := maps.Clone(opts.Constraints)
	if constraints == nil {
		constraints = map[string]string{}
	}
	svc := &Service{
		Name:        name,
		Charm:       charm.ID,
		Config:      config,
		Constraints: constraints,
		Subordinate: charm.Subordinate,
		Life:        "alive",
		Annotations: map[string]string{},
	}
	s.services.add(name, svc)
	s.changes.touch(KindService, name)
	result := &Deployed{Charm: charm}
	if !charm.Subordinate {
		result.Units = s.createUnits(svc, units)
	}
	result.Service = svc.clone()
	return result, nil
}

func (s *State) createUnits(svc *Service, n int) []string {
	ids := make([]string, 0, n)
	for range n {
		u := s.addUnit(svc, s.addMachine())
		ids = append(ids, u.ID)
		s.attachSubordinates(u)
	}
	return ids
}

// AddUnits adds n units, each on a fresh machine.
func (s *State) AddUnits(service string, n int) ([]string, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}
	svc, ok := s.services.get(service)
	if !ok {
		return nil, invalidServiceName(service)
	}
	if svc.Subordinate {
		return nil, errorf("Cannot add units to subordinate service %q.", service)
	}
	if n < 1 {
		return nil, errorf("Invalid number of units: %d.", n)
	}
	return s.createUnits(svc, n), nil
}

// RemoveUnits removes the named units. Unknown names are ignored. When any
// unit cannot be removed nothing is removed and every offender is listed.
func (s *State) RemoveUnits(names []string) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	var errs UnitErrors
	var doomed []*Unit
	for _, name := range names {
		u, ok := s.units.get(name)
		if !ok {
			continue
		}
		if svc, ok := s.services.get(u.Service); ok && svc.Subordinate {
			errs = append(errs, name+" is a subordinate, cannot remove.")
			continue
		}
		doomed = append(doomed, u)
	}
	if len(errs) > 0 {
		return errs
	}
	for _, u := range doomed {
		s.removeUnitAndSubordinates(u)
	}
	return nil
}

func (s *State) removeUnitAndSubordinates(u *Unit) {
	for _, other := range s.units.each() {
		if other.ID != u.ID && other.Machine == u.Machine && s.isSubordinateUnit(other) {
			s.removeUnit(other)
		}
	}
	s.removeUnit(u)
}

func (s *State) isSubordinateUnit(u *Unit) bool {
	svc, ok := s.services.get(u.Service)
	return ok && svc.Subordinate
}

// DestroyService removes a service with its units and relations.
func (s *State) DestroyService(name string) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	svc, ok := s.services.get(name)
	if !ok {
		return serviceNotFound(name)
	}
	for _, r := range s.relations.each() {
		if r.HasService(name) {
			s.dropRelation(r)
		}
	}
	for _, u := range s.units.each() {
		if u.Service == name {
			s.removeUnitAndSubordinates(u)
		}
	}
	s.services.remove(name)
	s.changes.remove(KindService, name, svc.clone())
	return nil
}

// SetConfig merges values into a service's config and returns the result.
func (s *State) SetConfig(service string, values map[string]any) (map[string]any, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}
	svc, ok := s.services.get(service)
	if !ok {
		return nil, serviceNotFound(service)
	}
	maps.Copy(svc.Config, values)
	s.changes.touch(KindService, service)
	return maps.Clone(svc.Config), nil
}

// SetConfigYAML is SetConfig for a YAML document of key: value pairs.
func (s *State) SetConfigYAML(service, doc string) (map[string]any, error) {
	values, err := parseConfigYAML(doc)
	if err != nil {
		return nil, err
	}
	return s.SetConfig(service, values)
}

func parseConfigYAML(doc string) (map[string]any, error) {
	values := map[string]any{}
	if err := yaml.Unmarshal([]byte(doc), &values); err != nil {
		return nil, errorf("Invalid config YAML: %v", err)
	}
	return values, nil
}

// ParseConstraints turns ["cpu=2", "mem=128"] into a map.
func ParseConstraints(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, errorf("Invalid constraint %q.", entry)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}

// SetConstraints merges constraints into a service.
func (s *State) SetConstraints(service string, constraints map[string]string) (map[string]string, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}
	svc, ok := s.services.get(service)
	if !ok {
		return nil, serviceNotFound(service)
	}
	maps.Copy(svc.Constraints, constraints)
	s.changes.touch(KindService, service)
	return maps.Clone(svc.Constraints), nil
}

// SetCharm switches a service to another charm. Units in an error state
// block the switch unless force is set.
func (s *State) SetCharm(service, charmURL string, force bool) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	svc, ok := s.services.get(service)
	if !ok {
		return serviceNotFound(service)
	}
	charm, ok := s.charms.Resolve(charmURL)
	if !ok {
		return charmNotFound(charmURL)
	}
	if !force {
		for _, u := range s.units.each() {
			if u.Service == service && u.AgentState == AgentError {
				return errorf("Cannot set charm on a service with units in error without the force flag.")
			}
		}
	}
	svc.Charm = charm.ID
	s.changes.touch(KindService, service)
	return nil
}

// Expose marks a service exposed. Exposing twice is not an error and
// records no change.
func (s *State) Expose(service string) error {
	return s.setExposed(service, true)
}

// Unexpose is the inverse of Expose.
func (s *State) Unexpose(service string) error {
	return s.setExposed(service, false)
}

func (s *State) setExposed(service string, exposed bool) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	svc, ok := s.services.get(service)
	if !ok {
		return invalidServiceName(service)
	}
	if svc.Exposed == exposed {
		return nil
	}
	svc.Exposed = exposed
	s.changes.touch(KindService, service)
	return nil
}

// SetUnitAgentState forces a unit's agent state, e.g. to simulate a failed
// hook.
func (s *State) SetUnitAgentState(unit, state, info string) error {
	u, ok := s.units.get(unit)
	if !ok {
		return unitNotFound(unit)
	}
	u.AgentState = state
	u.AgentStateInfo = info
	s.changes.touch(KindUnit, unit)
	return nil
}

// Resolved clears a unit's error state. retry is accepted for wire
// compatibility; hooks are not rerun.
func (s *State) Resolved(unit string, retry bool) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	u, ok := s.units.get(unit)
	if !ok {
		return unitNotFound(unit)
	}
	if u.AgentState == AgentError {
		u.AgentState = AgentStarted
		u.AgentStateInfo = ""
		s.changes.touch(KindUnit, unit)
	}
	return nil
}
