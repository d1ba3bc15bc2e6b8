package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/zot/sandbox/internal/fakebackend"
)

// DialectGo is the {RequestId, Type, Request, Params} wire format.
const DialectGo = "go"

var goOps = map[string]Op{
	"AdminLogin":                  OpLogin,
	"ClientEnvironmentInfo":       OpEnvironmentInfo,
	"ClientServiceDeploy":         OpDeploy,
	"ClientServiceSetCharm":       OpSetCharm,
	"ClientAddServiceUnits":       OpAddUnits,
	"ClientDestroyServiceUnits":   OpRemoveUnits,
	"ClientServiceGet":            OpGetService,
	"ClientCharmInfo":             OpGetCharm,
	"ClientServiceDestroy":        OpDestroyService,
	"ClientServiceSet":            OpSetConfig,
	"ClientServiceSetYAML":        OpSetConfig,
	"ClientSetServiceConstraints": OpSetConstraints,
	"ClientServiceExpose":         OpExpose,
	"ClientServiceUnexpose":       OpUnexpose,
	"ClientAddRelation":           OpAddRelation,
	"ClientDestroyRelation":       OpRemoveRelation,
	"ClientSetAnnotations":        OpUpdateAnnotations,
	"ClientGetAnnotations":        OpGetAnnotations,
	"ClientResolved":              OpResolved,
	"ClientWatchAll":              OpWatchAll,
	"AllWatcherNext":              OpWatcherNext,
	"AllWatcherStop":              OpWatcherStop,
}

var errTwoStringEndpoints = &fakebackend.Error{Message: "Two string endpoint names required to establish a relation"}

type goRequest struct {
	RequestID *int64          `json:"RequestId"`
	Type      string          `json:"Type"`
	Request   string          `json:"Request"`
	ID        string          `json:"Id"`
	Params    json.RawMessage `json:"Params"`
}

type goParams struct {
	AuthTag     string
	Password    string
	CharmURL    string `json:"CharmUrl"`
	ServiceName string
	Config      json.RawMessage
	ConfigYAML  string
	Options     map[string]any
	Constraints map[string]any
	NumUnits    *int
	Force       bool
	UnitNames   []string
	Endpoints   []any
	Tag         string
	Pairs       map[string]any
	UnitName    string
	Retry       bool
}

// goFrame is what a reply needs from its request.
type goFrame struct {
	requestID *int64
	raw       map[string]any
}

type goReply struct {
	RequestID *int64 `json:"RequestId,omitempty"`
	Response  any    `json:"Response,omitempty"`
	Error     string `json:"Error,omitempty"`
}

// goFraming keeps the all-watcher of the bound connection. Deltas are the
// answer to a pending AllWatcher.Next.
type goFraming struct {
	watcherSeq int
	watcher    string
	pending    bool
	pendingID  *int64
}

// NewGoAPI builds an API speaking the structured dialect. Handler keys are
// Type followed by Request, e.g. ClientServiceDeploy.
func NewGoAPI(state *fakebackend.State, opts ...Option) *API {
	return NewAPI(state, &goFraming{}, opts...)
}

func (f *goFraming) Dialect() string {
	return DialectGo
}

func (f *goFraming) Ops() map[string]Op {
	return goOps
}

func (f *goFraming) Handlers() map[Op]Handler {
	return map[Op]Handler{
		OpWatchAll:    f.watchAll,
		OpWatcherNext: f.next,
		OpWatcherStop: f.stop,
	}
}

func (f *goFraming) Reset() {
	f.watcher = ""
	f.pending = false
	f.pendingID = nil
}

func (f *goFraming) watchAll(_ *API, _ *Call) Result {
	if f.watcher != "" {
		return Failure(&fakebackend.Error{Message: "An all-watcher is already open."})
	}
	f.watcherSeq++
	f.watcher = strconv.Itoa(f.watcherSeq)
	return Success(map[string]string{"AllWatcherId": f.watcher})
}

func (f *goFraming) next(_ *API, call *Call) Result {
	if f.watcher == "" || call.Args.WatcherID != f.watcher {
		return Failure(&fakebackend.Error{Message: fmt.Sprintf("Unknown watcher id %q.", call.Args.WatcherID)})
	}
	if f.pending {
		return Failure(&fakebackend.Error{Message: "The watcher already has a pending Next."})
	}
	f.pending = true
	f.pendingID = call.Frame.(*goFrame).requestID
	return Deferred()
}

func (f *goFraming) stop(api *API, call *Call) Result {
	if f.watcher == "" || call.Args.WatcherID != f.watcher {
		return Failure(&fakebackend.Error{Message: fmt.Sprintf("Unknown watcher id %q.", call.Args.WatcherID)})
	}
	if f.pending {
		id := f.pendingID
		f.pending = false
		f.pendingID = nil
		if err := api.Push(goReply{RequestID: id, Error: "The watcher was stopped."}); err != nil {
			return Failure(err)
		}
	}
	f.watcher = ""
	return Success(struct{}{})
}

func (f *goFraming) Decode(data []byte) (*Call, error) {
	raw := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, &MalformedFrameError{Dialect: DialectGo, Err: err}
	}
	var req goRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &MalformedFrameError{Dialect: DialectGo, Err: err}
	}
	key := req.Type + req.Request
	op, ok := goOps[key]
	if !ok {
		return nil, &UnknownOperationError{Dialect: DialectGo, Key: key}
	}
	call := &Call{Op: op, Key: key, Frame: &goFrame{requestID: req.RequestID, raw: raw}}
	call.Args.WatcherID = req.ID
	var p goParams
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			call.Invalid = &fakebackend.Error{Message: fmt.Sprintf("Invalid parameters for %s: %v", key, err)}
			return call, nil
		}
	}
	call.Args.User = strings.TrimPrefix(p.AuthTag, "user-")
	call.Args.Password = p.Password
	call.Args.CharmURL = p.CharmURL
	call.Args.ServiceName = p.ServiceName
	call.Args.Force = p.Force
	call.Args.Units = p.UnitNames
	call.Args.Unit = p.UnitName
	call.Args.Retry = p.Retry
	call.Args.Constraints = stringValues(p.Constraints)
	if p.NumUnits != nil {
		call.Args.NumUnits = *p.NumUnits
	} else if op == OpAddUnits {
		call.Args.NumUnits = 1
	}
	switch key {
	case "ClientServiceDeploy":
		call.Args.ConfigYAML = p.ConfigYAML
		call.Args.Config, call.Invalid = decodeConfigMap(p.Config)
	case "ClientServiceSet":
		call.Args.Config = p.Options
		if call.Args.Config == nil {
			call.Args.Config = map[string]any{}
		}
	case "ClientServiceSetYAML":
		var text string
		if len(p.Config) > 0 {
			if err := json.Unmarshal(p.Config, &text); err != nil {
				call.Invalid = &fakebackend.Error{Message: "Config must be a YAML string."}
			}
		}
		call.Args.ConfigYAML = text
		if text == "" {
			call.Args.ConfigYAML = "{}"
		}
	case "ClientAddRelation", "ClientDestroyRelation":
		call.Args.Endpoints, call.Invalid = stringEndpoints(p.Endpoints)
	case "ClientSetAnnotations", "ClientGetAnnotations":
		call.Args.Entity, call.Invalid = entityForTag(p.Tag)
		call.Args.Annotations = stringValues(p.Pairs)
	}
	return call, nil
}

func decodeConfigMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &fakebackend.Error{Message: "Config must be an object."}
	}
	return m, nil
}

func stringEndpoints(in []any) ([]string, error) {
	if len(in) != 2 {
		return nil, errTwoStringEndpoints
	}
	out := make([]string, 0, 2)
	for _, v := range in {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, errTwoStringEndpoints
		}
		out = append(out, s)
	}
	return out, nil
}

// entityForTag maps service-x, unit-x-0 and environment tags to entity
// names. The last dash of a unit tag separates the unit number.
func entityForTag(tag string) (string, error) {
	switch {
	case tag == "environment" || strings.HasPrefix(tag, "environment-"):
		return fakebackend.EnvEntity, nil
	case strings.HasPrefix(tag, "service-"):
		return strings.TrimPrefix(tag, "service-"), nil
	case strings.HasPrefix(tag, "unit-"):
		name := strings.TrimPrefix(tag, "unit-")
		if i := strings.LastIndex(name, "-"); i > 0 {
			return name[:i] + "/" + name[i+1:], nil
		}
	}
	return "", &fakebackend.Error{Message: fmt.Sprintf("%q is not a valid tag.", tag)}
}

func tagForEntity(kind fakebackend.EntityKind, id string) string {
	switch kind {
	case fakebackend.KindService:
		return "service-" + id
	case fakebackend.KindUnit:
		return "unit-" + strings.ReplaceAll(id, "/", "-")
	}
	return "environment"
}

func (f *goFraming) Encode(call *Call, res Result) (any, error) {
	frame, _ := call.Frame.(*goFrame)
	if frame == nil {
		frame = &goFrame{}
	}
	if call.Op == OpLogin {
		reply := maps.Clone(frame.raw)
		if reply == nil {
			reply = map[string]any{}
		}
		if res.Failed() {
			reply["Error"] = res.Err.Error()
		} else {
			reply["Error"] = false
		}
		return reply, nil
	}
	if res.Failed() {
		return goReply{RequestID: frame.requestID, Error: res.Err.Error()}, nil
	}
	return goReply{RequestID: frame.requestID, Response: goValue(call.Op, res.Value)}, nil
}

func goRole(role string) string {
	switch role {
	case fakebackend.RoleClient:
		return "requirer"
	case fakebackend.RoleServer:
		return "provider"
	}
	return role
}

func goValue(op Op, v any) any {
	if op == OpWatchAll {
		return v
	}
	switch v := v.(type) {
	case fakebackend.Environment:
		return map[string]any{
			"Name":          v.Name,
			"UUID":          v.UUID,
			"ProviderType":  v.ProviderType,
			"DefaultSeries": v.DefaultSeries,
		}
	case []string:
		return map[string]any{"Units": v}
	case *ServiceInfo:
		name := v.Service.Charm
		if v.Charm != nil {
			name = v.Charm.Name
		}
		return map[string]any{
			"Service":     v.Service.Name,
			"Charm":       name,
			"Config":      v.Service.Config,
			"Constraints": v.Service.Constraints,
		}
	case *fakebackend.Charm:
		return goCharm(v)
	case *fakebackend.Relation:
		endpoints := map[string]any{}
		for _, ep := range v.Endpoints {
			endpoints[ep.Service] = map[string]string{
				"Name":      ep.Name,
				"Role":      goRole(ep.Role),
				"Interface": v.Interface,
				"Scope":     v.Scope,
			}
		}
		return map[string]any{"Endpoints": endpoints}
	case map[string]string:
		if op == OpGetAnnotations {
			return map[string]any{"Annotations": v}
		}
	}
	return struct{}{}
}

func goCharm(c *fakebackend.Charm) map[string]any {
	relations := func(defs map[string]fakebackend.RelationDef, role string) map[string]any {
		out := map[string]any{}
		for name, def := range defs {
			scope := def.Scope
			if scope == "" {
				scope = fakebackend.ScopeGlobal
			}
			out[name] = map[string]any{"Name": name, "Role": role, "Interface": def.Interface, "Scope": scope}
		}
		return out
	}
	options := map[string]any{}
	for name, opt := range c.Options {
		options[name] = map[string]any{"Type": opt.Type, "Default": opt.Default, "Description": opt.Description}
	}
	return map[string]any{
		"URL":      c.ID,
		"Revision": c.Revision,
		"Meta": map[string]any{
			"Name":        c.Name,
			"Summary":     c.Summary,
			"Description": c.Description,
			"Subordinate": c.Subordinate,
			"Provides":    relations(c.Provides, "provider"),
			"Requires":    relations(c.Requires, "requirer"),
			"Peers":       relations(c.Peers, "peer"),
		},
		"Config": map[string]any{"Options": options},
	}
}

func (f *goFraming) Greeting(fakebackend.Environment) any {
	return nil
}

func (f *goFraming) DeltaReady() bool {
	return f.watcher != "" && f.pending
}

func (f *goFraming) Delta(changes *fakebackend.Changes) any {
	deltas := make([][]any, 0)
	for _, ch := range changes.All() {
		verb := "change"
		if ch.Removed {
			verb = "remove"
		}
		switch e := ch.Entity.(type) {
		case *fakebackend.Service:
			deltas = append(deltas, []any{"service", verb, map[string]any{
				"Name":        e.Name,
				"Exposed":     e.Exposed,
				"CharmURL":    e.Charm,
				"Life":        e.Life,
				"Constraints": e.Constraints,
				"Config":      e.Config,
				"Subordinate": e.Subordinate,
			}})
			if len(e.Annotations) > 0 {
				deltas = append(deltas, goAnnotation(verb, ch.Kind, e.Name, e.Annotations))
			}
		case *fakebackend.Unit:
			entry := map[string]any{
				"Name":          e.ID,
				"Service":       e.Service,
				"MachineId":     e.Machine,
				"PublicAddress": e.PublicAddress,
				"Status":        e.AgentState,
				"StatusInfo":    e.AgentStateInfo,
			}
			deltas = append(deltas, []any{"unit", verb, entry})
			if len(e.Annotations) > 0 {
				deltas = append(deltas, goAnnotation(verb, ch.Kind, e.ID, e.Annotations))
			}
		case *fakebackend.Machine:
			deltas = append(deltas, []any{"machine", verb, map[string]any{
				"Id":            e.ID,
				"InstanceId":    e.InstanceID,
				"Status":        e.AgentState,
				"PublicAddress": e.PublicAddress,
				"Series":        e.Series,
			}})
		case *fakebackend.Relation:
			endpoints := make([]map[string]any, 0, len(e.Endpoints))
			keys := make([]string, 0, len(e.Endpoints))
			for _, ep := range e.Endpoints {
				keys = append(keys, ep.String())
				endpoints = append(endpoints, map[string]any{
					"ServiceName": ep.Service,
					"Relation": map[string]any{
						"Name":      ep.Name,
						"Role":      goRole(ep.Role),
						"Interface": e.Interface,
						"Scope":     e.Scope,
					},
				})
			}
			deltas = append(deltas, []any{"relation", verb, map[string]any{
				"Key":       strings.Join(keys, " "),
				"Id":        e.ID,
				"Endpoints": endpoints,
			}})
		case map[string]string:
			deltas = append(deltas, goAnnotation(verb, ch.Kind, fakebackend.EnvEntity, e))
		}
	}
	id := f.pendingID
	f.pending = false
	f.pendingID = nil
	return goReply{RequestID: id, Response: map[string]any{"Deltas": deltas}}
}

func goAnnotation(verb string, kind fakebackend.EntityKind, id string, annotations map[string]string) []any {
	return []any{"annotation", verb, map[string]any{
		"Tag":         tagForEntity(kind, id),
		"Annotations": annotations,
	}}
}
