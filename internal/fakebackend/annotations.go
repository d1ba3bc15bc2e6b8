package fakebackend

import (
	"maps"
	"strings"
)

// annotationTarget finds the annotation map of a service, a unit or the
// environment, plus the change kind and id to record.
func (s *State) annotationTarget(entity string) (map[string]string, EntityKind, string, error) {
	if entity == EnvEntity {
		return s.env.Annotations, KindAnnotations, EnvEntity, nil
	}
	if strings.Contains(entity, "/") {
		u, ok := s.units.get(entity)
		if !ok {
			return nil, "", "", unitNotFound(entity)
		}
		if u.Annotations == nil {
			u.Annotations = map[string]string{}
		}
		return u.Annotations, KindUnit, entity, nil
	}
	svc, ok := s.services.get(entity)
	if !ok {
		return nil, "", "", serviceNotFound(entity)
	}
	if svc.Annotations == nil {
		svc.Annotations = map[string]string{}
	}
	return svc.Annotations, KindService, entity, nil
}

// UpdateAnnotations merges pairs into an entity's annotations.
func (s *State) UpdateAnnotations(entity string, pairs map[string]string) (map[string]string, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}
	target, kind, id, err := s.annotationTarget(entity)
	if err != nil {
		return nil, err
	}
	maps.Copy(target, pairs)
	s.changes.touch(kind, id)
	return maps.Clone(target), nil
}

// Annotations returns a copy of an entity's annotations.
func (s *State) Annotations(entity string) (map[string]string, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}
	target, _, _, err := s.annotationTarget(entity)
	if err != nil {
		return nil, err
	}
	return maps.Clone(target), nil
}

// RemoveAnnotations deletes keys from an entity, or every key when none
// are given.
func (s *State) RemoveAnnotations(entity string, keys []string) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	target, kind, id, err := s.annotationTarget(entity)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		clear(target)
	}
	for _, k := range keys {
		delete(target, k)
	}
	s.changes.touch(kind, id)
	return nil
}
