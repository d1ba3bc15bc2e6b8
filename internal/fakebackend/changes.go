package fakebackend

import "maps"

// EntityKind names the entity families that appear in deltas.
type EntityKind string

const (
	KindService     EntityKind = "service"
	KindMachine     EntityKind = "machine"
	KindUnit        EntityKind = "unit"
	KindRelation    EntityKind = "relation"
	KindAnnotations EntityKind = "annotations"
)

// deltaOrder is the order kinds appear in a change set.
var deltaOrder = []EntityKind{KindService, KindMachine, KindUnit, KindRelation, KindAnnotations}

// Change is one dirty entity. Entity is a detached snapshot: *Service,
// *Machine, *Unit, *Relation, or map[string]string for environment
// annotations. Removals carry the last state seen before removal.
type Change struct {
	Kind    EntityKind
	ID      string
	Removed bool
	Entity  any
}

// Changes is what NextChanges hands out.
type Changes struct {
	byKind map[EntityKind][]Change
}

// Empty reports whether nothing changed.
func (c *Changes) Empty() bool {
	return c == nil || len(c.All()) == 0
}

// All returns every change, grouped by kind in delta order.
func (c *Changes) All() []Change {
	if c == nil {
		return nil
	}
	var out []Change
	for _, kind := range deltaOrder {
		out = append(out, c.byKind[kind]...)
	}
	return out
}

// Of returns the changes for one kind.
func (c *Changes) Of(kind EntityKind) []Change {
	if c == nil {
		return nil
	}
	return c.byKind[kind]
}

// IDs returns the ids that changed for one kind.
func (c *Changes) IDs(kind EntityKind) []string {
	var ids []string
	for _, ch := range c.Of(kind) {
		ids = append(ids, ch.ID)
	}
	return ids
}

type dirtySet struct {
	order   []string
	removed map[string]any
	seen    map[string]bool
}

// tracker records which entities changed since the last drain.
type tracker struct {
	sets map[EntityKind]*dirtySet
}

func newTracker() *tracker {
	return &tracker{sets: make(map[EntityKind]*dirtySet)}
}

func (t *tracker) set(kind EntityKind) *dirtySet {
	ds, ok := t.sets[kind]
	if !ok {
		ds = &dirtySet{removed: make(map[string]any), seen: make(map[string]bool)}
		t.sets[kind] = ds
	}
	return ds
}

func (t *tracker) touch(kind EntityKind, id string) {
	ds := t.set(kind)
	if !ds.seen[id] {
		ds.seen[id] = true
		ds.order = append(ds.order, id)
	}
	delete(ds.removed, id)
}

func (t *tracker) remove(kind EntityKind, id string, last any) {
	t.touch(kind, id)
	t.sets[kind].removed[id] = last
}

// drain builds a change set with fresh snapshots and resets the tracker.
func (t *tracker) drain(s *State) *Changes {
	out := &Changes{byKind: make(map[EntityKind][]Change)}
	for _, kind := range deltaOrder {
		ds, ok := t.sets[kind]
		if !ok {
			continue
		}
		for _, id := range ds.order {
			if last, gone := ds.removed[id]; gone {
				out.byKind[kind] = append(out.byKind[kind], Change{Kind: kind, ID: id, Removed: true, Entity: last})
				continue
			}
			entity, ok := s.snapshot(kind, id)
			if !ok {
				continue
			}
			out.byKind[kind] = append(out.byKind[kind], Change{Kind: kind, ID: id, Entity: entity})
		}
	}
	t.sets = make(map[EntityKind]*dirtySet)
	return out
}

func (s *State) snapshot(kind EntityKind, id string) (any, bool) {
	switch kind {
	case KindService:
		if svc, ok := s.services.get(id); ok {
			return svc.clone(), true
		}
	case KindMachine:
		if m, ok := s.machines.get(id); ok {
			return m.clone(), true
		}
	case KindUnit:
		if u, ok := s.units.get(id); ok {
			return u.clone(), true
		}
	case KindRelation:
		if r, ok := s.relations.get(id); ok {
			return r.clone(), true
		}
	case KindAnnotations:
		return maps.Clone(s.env.Annotations), true
	}
	return nil, false
}
