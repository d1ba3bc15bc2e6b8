package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/zot/sandbox/internal/fakebackend"
)

// DialectPython is the flat op/request_id wire format.
const DialectPython = "python"

var pythonOps = map[string]Op{
	"login":              OpLogin,
	"deploy":             OpDeploy,
	"add_unit":           OpAddUnits,
	"remove_units":       OpRemoveUnits,
	"get_service":        OpGetService,
	"get_charm":          OpGetCharm,
	"destroy_service":    OpDestroyService,
	"set_config":         OpSetConfig,
	"set_constraints":    OpSetConstraints,
	"expose":             OpExpose,
	"unexpose":           OpUnexpose,
	"add_relation":       OpAddRelation,
	"remove_relation":    OpRemoveRelation,
	"update_annotations": OpUpdateAnnotations,
	"get_annotations":    OpGetAnnotations,
	"remove_annotations": OpRemoveAnnotations,
	"resolved":           OpResolved,
	"exportEnvironment":  OpExport,
	"importEnvironment":  OpImport,
}

// Operations whose success value is plain true answer false on failure.
var pythonBoolOps = map[Op]bool{
	OpLogin:             true,
	OpRemoveUnits:       true,
	OpExpose:            true,
	OpUnexpose:          true,
	OpRemoveRelation:    true,
	OpRemoveAnnotations: true,
	OpResolved:          true,
	OpImport:            true,
}

type pythonRequest struct {
	Op          string          `json:"op"`
	User        string          `json:"user"`
	Password    string          `json:"password"`
	CharmURL    string          `json:"charm_url"`
	ServiceName string          `json:"service_name"`
	Config      map[string]any  `json:"config"`
	ConfigRaw   string          `json:"config_raw"`
	Constraints json.RawMessage `json:"constraints"`
	NumUnits    *int            `json:"num_units"`
	UnitNames   []string        `json:"unit_names"`
	UnitName    string          `json:"unit_name"`
	Retry       bool            `json:"retry"`
	EndpointA   string          `json:"endpoint_a"`
	EndpointB   string          `json:"endpoint_b"`
	Entity      string          `json:"entity"`
	Data        map[string]any  `json:"data"`
	Keys        []string        `json:"keys"`
	EnvData     json.RawMessage `json:"envData"`
}

type pythonFraming struct{}

// NewPythonAPI builds an API speaking the flat dialect: requests are
// {op, request_id, ...params} and replies echo the request with result
// and, on failure, err.
func NewPythonAPI(state *fakebackend.State, opts ...Option) *API {
	return NewAPI(state, pythonFraming{}, opts...)
}

func (pythonFraming) Dialect() string {
	return DialectPython
}

func (pythonFraming) Ops() map[string]Op {
	return pythonOps
}

func (pythonFraming) Decode(data []byte) (*Call, error) {
	frame := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&frame); err != nil {
		return nil, &MalformedFrameError{Dialect: DialectPython, Err: err}
	}
	key, _ := frame["op"].(string)
	op, ok := pythonOps[key]
	if !ok {
		return nil, &UnknownOperationError{Dialect: DialectPython, Key: key}
	}
	call := &Call{Op: op, Key: key, Frame: frame}
	var req pythonRequest
	if err := json.Unmarshal(data, &req); err != nil {
		call.Invalid = &fakebackend.Error{Message: fmt.Sprintf("Invalid parameters for %s: %v", key, err)}
		return call, nil
	}
	call.Args = Args{
		User:        req.User,
		Password:    req.Password,
		CharmURL:    req.CharmURL,
		ServiceName: req.ServiceName,
		Config:      req.Config,
		ConfigYAML:  req.ConfigRaw,
		Units:       req.UnitNames,
		Unit:        req.UnitName,
		Retry:       req.Retry,
		Entity:      req.Entity,
		Annotations: stringValues(req.Data),
		Keys:        req.Keys,
	}
	if req.NumUnits != nil {
		call.Args.NumUnits = *req.NumUnits
	} else if op == OpAddUnits {
		call.Args.NumUnits = 1
	}
	switch op {
	case OpDeploy, OpSetConstraints:
		call.Args.Constraints, call.Invalid = decodeConstraints(req.Constraints)
	case OpAddRelation, OpRemoveRelation:
		if req.EndpointA == "" || req.EndpointB == "" {
			call.Invalid = errTwoEndpoints
		}
		call.Args.Endpoints = []string{req.EndpointA, req.EndpointB}
	case OpImport:
		call.Args.Data, call.Invalid = decodeEnvData(req.EnvData)
	}
	return call, nil
}

// decodeConstraints accepts ["k=v", ...] or {"k": v}.
func decodeConstraints(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return fakebackend.ParseConstraints(list)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &fakebackend.Error{Message: "Constraints must be a list of key=value strings or an object."}
	}
	return stringValues(m), nil
}

// decodeEnvData accepts the snapshot as an embedded document or as a
// string holding one.
func decodeEnvData(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, &fakebackend.Error{Message: "No environment data given."}
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []byte(text), nil
	}
	return raw, nil
}

func stringValues(m map[string]any) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func (pythonFraming) Encode(call *Call, res Result) (any, error) {
	frame, _ := call.Frame.(map[string]any)
	reply := maps.Clone(frame)
	if reply == nil {
		reply = map[string]any{}
	}
	if res.Failed() {
		if pythonBoolOps[call.Op] {
			reply["result"] = false
		}
		if unitErrs, ok := res.Err.(fakebackend.UnitErrors); ok {
			reply["err"] = []string(unitErrs)
		} else {
			reply["err"] = res.Err.Error()
		}
		return reply, nil
	}
	if call.Op == OpDeploy {
		return reply, nil
	}
	reply["result"] = pythonValue(res.Value)
	return reply, nil
}

func pythonValue(v any) any {
	switch v := v.(type) {
	case *ServiceInfo:
		attrs := pythonService(v.Service)
		units := make([]map[string]any, 0, len(v.Units))
		for _, u := range v.Units {
			units = append(units, pythonUnit(u))
		}
		attrs["units"] = units
		return attrs
	case *fakebackend.Relation:
		endpoints := make([]map[string]any, 0, len(v.Endpoints))
		for _, ep := range v.Endpoints {
			endpoints = append(endpoints, map[string]any{ep.Service: map[string]string{"name": ep.Name}})
		}
		return map[string]any{
			"id":        v.ID,
			"interface": v.Interface,
			"scope":     v.Scope,
			"endpoints": endpoints,
		}
	}
	return v
}

func (pythonFraming) Greeting(env fakebackend.Environment) any {
	return map[string]any{
		"ready":          true,
		"provider_type":  env.ProviderType,
		"default_series": env.DefaultSeries,
	}
}

func (pythonFraming) DeltaReady() bool {
	return true
}

func (pythonFraming) Delta(changes *fakebackend.Changes) any {
	entries := make([][]any, 0)
	for _, ch := range changes.All() {
		verb := "change"
		if ch.Removed {
			verb = "remove"
		}
		entries = append(entries, []any{string(ch.Kind), verb, pythonEntity(ch.Entity)})
	}
	return map[string]any{"op": "delta", "result": entries}
}

func pythonEntity(entity any) any {
	switch e := entity.(type) {
	case *fakebackend.Service:
		return pythonService(e)
	case *fakebackend.Unit:
		return pythonUnit(e)
	case *fakebackend.Machine:
		return map[string]any{
			"id":             e.ID,
			"machine_id":     e.ID,
			"agent_state":    e.AgentState,
			"public_address": e.PublicAddress,
			"instance_id":    e.InstanceID,
			"series":         e.Series,
		}
	case *fakebackend.Relation:
		return map[string]any{
			"id":        e.ID,
			"interface": e.Interface,
			"scope":     e.Scope,
			"endpoints": e.Endpoints,
		}
	}
	return entity
}

func pythonService(s *fakebackend.Service) map[string]any {
	return map[string]any{
		"id":          s.Name,
		"name":        s.Name,
		"charm":       s.Charm,
		"config":      s.Config,
		"constraints": s.Constraints,
		"exposed":     s.Exposed,
		"subordinate": s.Subordinate,
		"life":        s.Life,
		"annotations": s.Annotations,
	}
}

func pythonUnit(u *fakebackend.Unit) map[string]any {
	attrs := map[string]any{
		"id":             u.ID,
		"service":        u.Service,
		"machine":        u.Machine,
		"number":         u.Number,
		"agent_state":    u.AgentState,
		"public_address": u.PublicAddress,
		"annotations":    u.Annotations,
	}
	if u.AgentStateInfo != "" {
		attrs["agent_state_info"] = u.AgentStateInfo
	}
	return attrs
}
