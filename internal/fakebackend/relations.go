package fakebackend

import (
	"fmt"
	"sort"
	"strings"
)

type endpointRef struct {
	service  string
	relation string
}

func parseEndpoint(s string) endpointRef {
	svc, rel, _ := strings.Cut(s, ":")
	return endpointRef{service: svc, relation: rel}
}

func (e endpointRef) matches(ep Endpoint) bool {
	return e.service == ep.Service && (e.relation == "" || e.relation == ep.Name)
}

type charmEndpoint struct {
	name string
	role string
	def  RelationDef
}

func endpointsOf(c *Charm) []charmEndpoint {
	var out []charmEndpoint
	add := func(defs map[string]RelationDef, role string) {
		names := make([]string, 0, len(defs))
		for name := range defs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, charmEndpoint{name: name, role: role, def: defs[name]})
		}
	}
	add(c.Requires, RoleClient)
	add(c.Provides, RoleServer)
	return out
}

// matchRelation pairs two endpoints without touching state. The result has
// no ID yet.
func matchRelation(a endpointRef, ca *Charm, b endpointRef, cb *Charm) (*Relation, error) {
	type pair struct{ x, y charmEndpoint }
	var found []pair
	for _, x := range endpointsOf(ca) {
		if a.relation != "" && x.name != a.relation {
			continue
		}
		for _, y := range endpointsOf(cb) {
			if b.relation != "" && y.name != b.relation {
				continue
			}
			if x.def.Interface == y.def.Interface && x.role != y.role {
				found = append(found, pair{x, y})
			}
		}
	}
	switch {
	case len(found) == 0:
		return nil, &Error{Message: MsgNoMatch}
	case len(found) > 1:
		return nil, &Error{Message: MsgAmbiguous}
	}
	x, y := found[0].x, found[0].y
	first := Endpoint{Service: a.service, Name: x.name, Role: x.role}
	second := Endpoint{Service: b.service, Name: y.name, Role: y.role}
	if x.role != RoleClient {
		first, second = second, first
	}
	scope := ScopeGlobal
	if x.def.Scope == ScopeContainer || y.def.Scope == ScopeContainer {
		scope = ScopeContainer
	}
	return &Relation{
		Interface: x.def.Interface,
		Scope:     scope,
		Endpoints: []Endpoint{first, second},
	}, nil
}

// relationCharms resolves the charms behind two endpoints. A missing
// service or charm yields MsgCharmNotLoaded.
func (s *State) relationCharms(a, b endpointRef) (*Charm, *Charm, error) {
	var charms [2]*Charm
	for i, ref := range []endpointRef{a, b} {
		svc, ok := s.services.get(ref.service)
		if !ok {
			return nil, nil, &Error{Message: MsgCharmNotLoaded}
		}
		c, ok := s.charms.Resolve(svc.Charm)
		if !ok {
			return nil, nil, &Error{Message: MsgCharmNotLoaded}
		}
		charms[i] = c
	}
	return charms[0], charms[1], nil
}

func (s *State) findRelation(a, b endpointRef) *Relation {
	for _, r := range s.relations.each() {
		if len(r.Endpoints) != 2 {
			continue
		}
		e0, e1 := r.Endpoints[0], r.Endpoints[1]
		if (a.matches(e0) && b.matches(e1)) || (a.matches(e1) && b.matches(e0)) {
			return r
		}
	}
	return nil
}

// AddRelation joins two endpoints given as service or service:relation.
// Charm availability is checked before interface compatibility.
func (s *State) AddRelation(endpointA, endpointB string) (*Relation, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}
	a, b := parseEndpoint(endpointA), parseEndpoint(endpointB)
	ca, cb, err := s.relationCharms(a, b)
	if err != nil {
		return nil, err
	}
	rel, err := matchRelation(a, ca, b, cb)
	if err != nil {
		return nil, err
	}
	e0, e1 := rel.Endpoints[0], rel.Endpoints[1]
	if s.findRelation(endpointRef{e0.Service, e0.Name}, endpointRef{e1.Service, e1.Name}) != nil {
		return nil, &Error{Message: MsgRelationExists}
	}
	rel.ID = fmt.Sprintf("relation-%d", s.relationSeq)
	s.relationSeq++
	s.relations.add(rel.ID, rel)
	s.changes.touch(KindRelation, rel.ID)
	if rel.Scope == ScopeContainer {
		for _, u := range s.units.each() {
			if rel.HasService(u.Service) && !s.isSubordinateUnit(u) {
				s.attachSubordinates(u)
			}
		}
	}
	return rel.clone(), nil
}

// RemoveRelation drops the relation joining two endpoints.
func (s *State) RemoveRelation(endpointA, endpointB string) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	a, b := parseEndpoint(endpointA), parseEndpoint(endpointB)
	if _, _, err := s.relationCharms(a, b); err != nil {
		return err
	}
	rel := s.findRelation(a, b)
	if rel == nil {
		return &Error{Message: MsgRelationNotExists}
	}
	s.dropRelation(rel)
	return nil
}

func (s *State) dropRelation(rel *Relation) {
	s.relations.remove(rel.ID)
	s.changes.remove(KindRelation, rel.ID, rel.clone())
	if rel.Scope != ScopeContainer {
		return
	}
	for _, u := range s.units.each() {
		if rel.HasService(u.Service) && s.isSubordinateUnit(u) && !s.hostedByRelatedPrincipal(u) {
			s.removeUnit(u)
		}
	}
}

// hostedByRelatedPrincipal reports whether a principal unit on sub's
// machine still belongs to a service container-related to sub's service.
func (s *State) hostedByRelatedPrincipal(sub *Unit) bool {
	for _, u := range s.units.each() {
		if u.Machine != sub.Machine || s.isSubordinateUnit(u) {
			continue
		}
		if s.containerRelated(u.Service, sub.Service) {
			return true
		}
	}
	return false
}

func (s *State) containerRelated(a, b string) bool {
	for _, r := range s.relations.each() {
		if r.Scope == ScopeContainer && r.HasService(a) && r.HasService(b) {
			return true
		}
	}
	return false
}

// attachSubordinates places one unit of every subordinate related to the
// principal's service on the principal's machine.
func (s *State) attachSubordinates(principal *Unit) {
	for _, r := range s.relations.each() {
		if r.Scope != ScopeContainer || !r.HasService(principal.Service) {
			continue
		}
		for _, ep := range r.Endpoints {
			sub, ok := s.services.get(ep.Service)
			if !ok || !sub.Subordinate || ep.Service == principal.Service {
				continue
			}
			if s.hasUnitOn(sub.Name, principal.Machine) {
				continue
			}
			if m, ok := s.machines.get(principal.Machine); ok {
				s.addUnit(sub, m)
			}
		}
	}
}

func (s *State) hasUnitOn(service, machine string) bool {
	for _, u := range s.units.each() {
		if u.Service == service && u.Machine == machine {
			return true
		}
	}
	return false
}
