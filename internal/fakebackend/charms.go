package fakebackend

import (
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed charms.yaml
var charmFixture []byte

type charmFile struct {
	DefaultSeries string       `yaml:"defaultSeries"`
	Charms        []charmEntry `yaml:"charms"`
}

type charmEntry struct {
	ID          string                 `yaml:"id"`
	Summary     string                 `yaml:"summary"`
	Description string                 `yaml:"description"`
	Subordinate bool                   `yaml:"subordinate"`
	Provides    map[string]RelationDef `yaml:"provides"`
	Requires    map[string]RelationDef `yaml:"requires"`
	Peers       map[string]RelationDef `yaml:"peers"`
	Options     map[string]OptionDef   `yaml:"options"`
}

// CharmStore resolves charm URLs against a fixed catalogue.
type CharmStore struct {
	defaultSeries string
	charms        map[string]*Charm
}

// DefaultCharmStore loads the embedded charm catalogue.
func DefaultCharmStore() *CharmStore {
	store, err := LoadCharmStore(charmFixture)
	if err != nil {
		panic(fmt.Sprintf("embedded charm fixture: %v", err))
	}
	return store
}

// LoadCharmStore parses a YAML charm catalogue.
func LoadCharmStore(data []byte) (*CharmStore, error) {
	var file charmFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "parsing charm catalogue")
	}
	store := &CharmStore{
		defaultSeries: file.DefaultSeries,
		charms:        make(map[string]*Charm, len(file.Charms)),
	}
	if store.defaultSeries == "" {
		store.defaultSeries = "precise"
	}
	for _, entry := range file.Charms {
		series, name, rev, ok := parseCharmURL(entry.ID)
		if !ok || rev < 0 {
			return nil, errors.Errorf("charm id %q must be cs:series/name-revision", entry.ID)
		}
		store.charms[entry.ID] = &Charm{
			ID:          entry.ID,
			Name:        name,
			Series:      series,
			Revision:    rev,
			Summary:     entry.Summary,
			Description: entry.Description,
			Subordinate: entry.Subordinate,
			Provides:    withJujuInfo(entry.Provides),
			Requires:    entry.Requires,
			Peers:       entry.Peers,
			Options:     entry.Options,
		}
	}
	return store, nil
}

// Every charm can be related to a subordinate through juju-info.
func withJujuInfo(provides map[string]RelationDef) map[string]RelationDef {
	out := make(map[string]RelationDef, len(provides)+1)
	for k, v := range provides {
		out[k] = v
	}
	if _, ok := out["juju-info"]; !ok {
		out["juju-info"] = RelationDef{Interface: "juju-info"}
	}
	return out
}

// DefaultSeries is the series assumed by unqualified URLs.
func (cs *CharmStore) DefaultSeries() string {
	return cs.defaultSeries
}

// Resolve maps cs:name, cs:series/name or cs:series/name-rev to a charm.
// Without a revision the highest one wins.
func (cs *CharmStore) Resolve(url string) (*Charm, bool) {
	if c, ok := cs.charms[url]; ok {
		return c, true
	}
	series, name, rev, ok := parseCharmURL(url)
	if !ok {
		return nil, false
	}
	if series == "" {
		series = cs.defaultSeries
	}
	var best *Charm
	for _, c := range cs.charms {
		if c.Name != name || c.Series != series {
			continue
		}
		if rev >= 0 && c.Revision != rev {
			continue
		}
		if best == nil || c.Revision > best.Revision {
			best = c
		}
	}
	return best, best != nil
}

// IDs lists every charm id, sorted.
func (cs *CharmStore) IDs() []string {
	ids := make([]string, 0, len(cs.charms))
	for id := range cs.charms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// parseCharmURL splits cs:[series/]name[-rev]. rev is -1 when absent.
func parseCharmURL(url string) (series, name string, rev int, ok bool) {
	rest, found := strings.CutPrefix(url, "cs:")
	if !found {
		rest, found = strings.CutPrefix(url, "local:")
	}
	if !found || rest == "" {
		return "", "", -1, false
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		series, rest = rest[:i], rest[i+1:]
	}
	rev = -1
	if i := strings.LastIndex(rest, "-"); i > 0 {
		if n, err := strconv.Atoi(rest[i+1:]); err == nil {
			rev = n
			rest = rest[:i]
		}
	}
	if rest == "" {
		return "", "", -1, false
	}
	return series, rest, rev, true
}
