package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/sandbox/internal/fakebackend"
)

// Status is what the status tool reports.
type Status struct {
	Environment StatusEnvironment `json:"environment"`
	Services    []StatusService   `json:"services"`
	Relations   []StatusRelation  `json:"relations"`
	Machines    int               `json:"machines"`
}

// StatusEnvironment describes the environment singleton.
type StatusEnvironment struct {
	Name          string            `json:"name"`
	ProviderType  string            `json:"provider_type"`
	DefaultSeries string            `json:"default_series"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// StatusService is one service with its units.
type StatusService struct {
	Name        string            `json:"name"`
	Charm       string            `json:"charm"`
	Exposed     bool              `json:"exposed"`
	Subordinate bool              `json:"subordinate,omitempty"`
	Config      map[string]any    `json:"config,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Units       []StatusUnit      `json:"units"`
}

// StatusUnit places a unit on its machine.
type StatusUnit struct {
	ID         string `json:"id"`
	Machine    string `json:"machine"`
	AgentState string `json:"agent_state"`
}

// StatusRelation is a relation with endpoints as service:relation.
type StatusRelation struct {
	ID        string   `json:"id"`
	Interface string   `json:"interface"`
	Scope     string   `json:"scope"`
	Endpoints []string `json:"endpoints"`
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("status",
		mcp.WithDescription("Describe the sandbox environment: services, units, relations."),
	), s.handleStatus)

	s.mcp.AddTool(mcp.NewTool("login",
		mcp.WithDescription("Log in to the sandbox."),
		mcp.WithString("user", mcp.Required()),
		mcp.WithString("password", mcp.Required()),
	), s.call("login", func(req mcp.CallToolRequest) (map[string]any, error) {
		user, err := req.RequireString("user")
		if err != nil {
			return nil, err
		}
		password, err := req.RequireString("password")
		if err != nil {
			return nil, err
		}
		return map[string]any{"user": user, "password": password}, nil
	}))

	s.mcp.AddTool(mcp.NewTool("deploy",
		mcp.WithDescription("Deploy a charm as a new service."),
		mcp.WithString("charm_url", mcp.Required(), mcp.Description("Charm URL, e.g. cs:wordpress")),
		mcp.WithString("service_name", mcp.Description("Service name, defaults to the charm name")),
		mcp.WithNumber("num_units", mcp.Description("Units to create, default 1")),
		mcp.WithObject("config", mcp.Description("Service configuration")),
	), s.call("deploy", func(req mcp.CallToolRequest) (map[string]any, error) {
		url, err := req.RequireString("charm_url")
		if err != nil {
			return nil, err
		}
		params := map[string]any{"charm_url": url, "num_units": req.GetInt("num_units", 1)}
		if name := req.GetString("service_name", ""); name != "" {
			params["service_name"] = name
		}
		if cfg := objectArg(req, "config"); cfg != nil {
			params["config"] = cfg
		}
		return params, nil
	}))

	s.mcp.AddTool(mcp.NewTool("add_units",
		mcp.WithDescription("Add units to a service."),
		mcp.WithString("service_name", mcp.Required()),
		mcp.WithNumber("num_units", mcp.Description("Units to add, default 1")),
	), s.call("add_unit", func(req mcp.CallToolRequest) (map[string]any, error) {
		name, err := req.RequireString("service_name")
		if err != nil {
			return nil, err
		}
		return map[string]any{"service_name": name, "num_units": req.GetInt("num_units", 1)}, nil
	}))

	s.mcp.AddTool(mcp.NewTool("remove_units",
		mcp.WithDescription("Remove units. Subordinate units cannot be removed."),
		mcp.WithArray("unit_names", mcp.Required(), mcp.WithStringItems()),
	), s.call("remove_units", func(req mcp.CallToolRequest) (map[string]any, error) {
		names, err := req.RequireStringSlice("unit_names")
		if err != nil {
			return nil, err
		}
		return map[string]any{"unit_names": names}, nil
	}))

	for _, op := range []string{"expose", "unexpose", "destroy_service"} {
		s.mcp.AddTool(mcp.NewTool(op,
			mcp.WithDescription(serviceToolDescriptions[op]),
			mcp.WithString("service_name", mcp.Required()),
		), s.call(op, serviceNameParams))
	}

	for _, op := range []string{"add_relation", "remove_relation"} {
		s.mcp.AddTool(mcp.NewTool(op,
			mcp.WithDescription(relationToolDescriptions[op]),
			mcp.WithString("endpoint_a", mcp.Required(), mcp.Description("service or service:relation")),
			mcp.WithString("endpoint_b", mcp.Required(), mcp.Description("service or service:relation")),
		), s.call(op, endpointParams))
	}

	s.mcp.AddTool(mcp.NewTool("set_config",
		mcp.WithDescription("Merge settings into a service's configuration."),
		mcp.WithString("service_name", mcp.Required()),
		mcp.WithObject("config", mcp.Required()),
	), s.call("set_config", func(req mcp.CallToolRequest) (map[string]any, error) {
		name, err := req.RequireString("service_name")
		if err != nil {
			return nil, err
		}
		return map[string]any{"service_name": name, "config": objectArg(req, "config")}, nil
	}))

	s.mcp.AddTool(mcp.NewTool("annotate",
		mcp.WithDescription("Set annotations on a service, a unit or the environment (entity \"env\")."),
		mcp.WithString("entity", mcp.Required()),
		mcp.WithObject("data", mcp.Required()),
	), s.call("update_annotations", func(req mcp.CallToolRequest) (map[string]any, error) {
		entity, err := req.RequireString("entity")
		if err != nil {
			return nil, err
		}
		return map[string]any{"entity": entity, "data": objectArg(req, "data")}, nil
	}))

	s.mcp.AddTool(mcp.NewTool("changes",
		mcp.WithDescription("Delta entries the sandbox pushed since the last call."),
	), s.handleChanges)

	s.mcp.AddTool(mcp.NewTool("export",
		mcp.WithDescription("Export the environment as a snapshot document."),
	), s.handleExport)
}

var serviceToolDescriptions = map[string]string{
	"expose":          "Expose a service.",
	"unexpose":        "Unexpose a service.",
	"destroy_service": "Destroy a service and its units.",
}

var relationToolDescriptions = map[string]string{
	"add_relation":    "Relate two services.",
	"remove_relation": "Remove the relation between two endpoints.",
}

func serviceNameParams(req mcp.CallToolRequest) (map[string]any, error) {
	name, err := req.RequireString("service_name")
	if err != nil {
		return nil, err
	}
	return map[string]any{"service_name": name}, nil
}

func endpointParams(req mcp.CallToolRequest) (map[string]any, error) {
	a, err := req.RequireString("endpoint_a")
	if err != nil {
		return nil, err
	}
	b, err := req.RequireString("endpoint_b")
	if err != nil {
		return nil, err
	}
	return map[string]any{"endpoint_a": a, "endpoint_b": b}, nil
}

func objectArg(req mcp.CallToolRequest, key string) map[string]any {
	obj, _ := req.GetArguments()[key].(map[string]any)
	return obj
}

// call builds a handler that sends op with the params build extracts and
// answers with the reply's result.
func (s *Server) call(op string, build func(mcp.CallToolRequest) (map[string]any, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, err := build(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		reply, err := s.bridge.Call(op, params)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, ok := reply["result"]
		if !ok {
			result = map[string]any{"ok": true}
		}
		return jsonResult(result)
	}
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var status Status
	err := s.session.Do(func(state *fakebackend.State) error {
		status = buildStatus(state)
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(status)
}

func buildStatus(state *fakebackend.State) Status {
	env := state.Environment()
	status := Status{
		Environment: StatusEnvironment{
			Name:          env.Name,
			ProviderType:  env.ProviderType,
			DefaultSeries: env.DefaultSeries,
			Annotations:   env.Annotations,
		},
		Services:  []StatusService{},
		Relations: []StatusRelation{},
		Machines:  len(state.Machines()),
	}
	for _, svc := range state.Services() {
		entry := StatusService{
			Name:        svc.Name,
			Charm:       svc.Charm,
			Exposed:     svc.Exposed,
			Subordinate: svc.Subordinate,
			Config:      svc.Config,
			Annotations: svc.Annotations,
			Units:       []StatusUnit{},
		}
		for _, u := range state.Units(svc.Name) {
			entry.Units = append(entry.Units, StatusUnit{ID: u.ID, Machine: u.Machine, AgentState: u.AgentState})
		}
		status.Services = append(status.Services, entry)
	}
	for _, rel := range state.Relations() {
		entry := StatusRelation{ID: rel.ID, Interface: rel.Interface, Scope: rel.Scope}
		for _, ep := range rel.Endpoints {
			entry.Endpoints = append(entry.Endpoints, ep.String())
		}
		status.Relations = append(status.Relations, entry)
	}
	return status
}

func (s *Server) handleChanges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.session.FlushDelta(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(s.bridge.Changes())
}

func (s *Server) handleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.session.Export()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(snap)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
