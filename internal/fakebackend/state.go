// Package fakebackend is the in-memory environment the sandbox API drives.
// A State is not safe for concurrent use; callers serialize access through
// a loop.Loop.
package fakebackend

import (
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
)

// EnvEntity is the reserved annotation target naming the environment.
const EnvEntity = "env"

// Features are toggles chosen by whoever builds the backend.
type Features struct {
	// AutoLogin starts the backend already authenticated.
	AutoLogin bool
}

// Options configure New. Zero values pick the defaults.
type Options struct {
	Features        Features
	Charms          *CharmStore
	Users           map[string]string
	EnvironmentName string
	ProviderType    string
	DefaultSeries   string
}

// DefaultUsers are the credentials accepted when Options.Users is empty.
var DefaultUsers = map[string]string{"admin": "password"}

type collection[T any] struct {
	order []string
	items map[string]T
}

func newCollection[T any]() collection[T] {
	return collection[T]{items: make(map[string]T)}
}

func (c *collection[T]) get(id string) (T, bool) {
	v, ok := c.items[id]
	return v, ok
}

func (c *collection[T]) add(id string, v T) {
	if _, ok := c.items[id]; !ok {
		c.order = append(c.order, id)
	}
	c.items[id] = v
}

func (c *collection[T]) remove(id string) {
	if _, ok := c.items[id]; !ok {
		return
	}
	delete(c.items, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *collection[T]) each() []T {
	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

// State holds every entity of one sandbox environment.
type State struct {
	charms        *CharmStore
	users         map[string]string
	features      Features
	authenticated bool
	env           Environment
	services      collection[*Service]
	units         collection[*Unit]
	machines      collection[*Machine]
	relations     collection[*Relation]
	machineSeq    int
	relationSeq   int
	changes       *tracker
}

// New creates an empty environment.
func New(opts Options) *State {
	s := &State{
		charms:    opts.Charms,
		users:     opts.Users,
		features:  opts.Features,
		services:  newCollection[*Service](),
		units:     newCollection[*Unit](),
		machines:  newCollection[*Machine](),
		relations: newCollection[*Relation](),
		changes:   newTracker(),
	}
	if s.charms == nil {
		s.charms = DefaultCharmStore()
	}
	if len(s.users) == 0 {
		s.users = maps.Clone(DefaultUsers)
	}
	s.env = Environment{
		Name:          opts.EnvironmentName,
		UUID:          uuid.NewString(),
		ProviderType:  opts.ProviderType,
		DefaultSeries: opts.DefaultSeries,
		Annotations:   map[string]string{},
	}
	if s.env.Name == "" {
		s.env.Name = "sandbox"
	}
	if s.env.ProviderType == "" {
		s.env.ProviderType = "demonstration"
	}
	if s.env.DefaultSeries == "" {
		s.env.DefaultSeries = s.charms.DefaultSeries()
	}
	s.authenticated = opts.Features.AutoLogin
	return s
}

// Features returns the toggles the backend was built with.
func (s *State) Features() Features {
	return s.features
}

// Login checks credentials and marks the backend authenticated.
func (s *State) Login(user, password string) error {
	want, ok := s.users[user]
	if !ok || want != password {
		return &Error{Message: MsgInvalidLogin}
	}
	s.authenticated = true
	return nil
}

// Logout drops authentication.
func (s *State) Logout() {
	s.authenticated = false
}

// Authenticated reports whether a login succeeded.
func (s *State) Authenticated() bool {
	return s.authenticated
}

// Sudo runs fn with the login requirement lifted, for operator actions
// that do not come from a client. The previous login state is restored.
func (s *State) Sudo(fn func() error) error {
	was := s.authenticated
	s.authenticated = true
	defer func() { s.authenticated = was }()
	return fn()
}

func (s *State) requireAuth() error {
	if !s.authenticated {
		return &Error{Message: MsgUnauthenticated}
	}
	return nil
}

// Environment returns a copy of the environment singleton.
func (s *State) Environment() Environment {
	env := s.env
	env.Annotations = maps.Clone(s.env.Annotations)
	return env
}

// Charms exposes the charm store.
func (s *State) Charms() *CharmStore {
	return s.charms
}

// Charm resolves a charm URL.
func (s *State) Charm(url string) (*Charm, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}
	c, ok := s.charms.Resolve(url)
	if !ok {
		return nil, charmNotFound(url)
	}
	return c, nil
}

// Service returns a copy of the named service.
func (s *State) Service(name string) (*Service, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}
	svc, ok := s.services.get(name)
	if !ok {
		return nil, serviceNotFound(name)
	}
	return svc.clone(), nil
}

// Services lists copies of every service in creation order.
func (s *State) Services() []*Service {
	var out []*Service
	for _, svc := range s.services.each() {
		out = append(out, svc.clone())
	}
	return out
}

// Unit returns a copy of the named unit.
func (s *State) Unit(id string) (*Unit, error) {
	u, ok := s.units.get(id)
	if !ok {
		return nil, unitNotFound(id)
	}
	return u.clone(), nil
}

// Units lists copies of the units of one service, or of every unit when
// service is empty.
func (s *State) Units(service string) []*Unit {
	var out []*Unit
	for _, u := range s.units.each() {
		if service == "" || u.Service == service {
			out = append(out, u.clone())
		}
	}
	return out
}

// Machines lists copies of every machine.
func (s *State) Machines() []*Machine {
	var out []*Machine
	for _, m := range s.machines.each() {
		out = append(out, m.clone())
	}
	return out
}

// Relations lists copies of every relation.
func (s *State) Relations() []*Relation {
	var out []*Relation
	for _, r := range s.relations.each() {
		out = append(out, r.clone())
	}
	return out
}

// NextChanges returns what changed since the previous call and resets the
// record.
func (s *State) NextChanges() *Changes {
	return s.changes.drain(s)
}

func (s *State) addMachine() *Machine {
	id := fmt.Sprint(s.machineSeq)
	s.machineSeq++
	m := &Machine{
		ID:            id,
		InstanceID:    "fake-instance-" + id,
		AgentState:    AgentStarted,
		PublicAddress: "addr-" + id + ".example.com",
		Series:        s.env.DefaultSeries,
	}
	s.machines.add(id, m)
	s.changes.touch(KindMachine, id)
	return m
}

func (s *State) addUnit(svc *Service, machine *Machine) *Unit {
	id := fmt.Sprintf("%s/%d", svc.Name, svc.unitSeq)
	u := &Unit{
		ID:            id,
		Service:       svc.Name,
		Number:        svc.unitSeq,
		Machine:       machine.ID,
		AgentState:    AgentStarted,
		PublicAddress: machine.PublicAddress,
		Annotations:   map[string]string{},
	}
	svc.unitSeq++
	s.units.add(id, u)
	s.changes.touch(KindUnit, id)
	return u
}

func (s *State) removeUnit(u *Unit) {
	s.units.remove(u.ID)
	s.changes.remove(KindUnit, u.ID, u.clone())
}

func serviceOfUnit(id string) string {
	svc, _, _ := strings.Cut(id, "/")
	return svc
}
