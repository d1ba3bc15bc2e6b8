package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/sandbox/internal/fakebackend"
)

const (
	statusURI = "sandbox://status"
	charmsURI = "sandbox://charms"
	jsonMIME  = "application/json"
)

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(statusURI, "Environment status",
		mcp.WithResourceDescription("Services, units and relations of the sandbox."),
		mcp.WithMIMEType(jsonMIME),
	), s.readStatus)

	s.mcp.AddResource(mcp.NewResource(charmsURI, "Charm store",
		mcp.WithResourceDescription("Charm URLs the sandbox can deploy."),
		mcp.WithMIMEType(jsonMIME),
	), s.readCharms)
}

func (s *Server) readStatus(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	var status Status
	if err := s.session.Do(func(state *fakebackend.State) error {
		status = buildStatus(state)
		return nil
	}); err != nil {
		return nil, err
	}
	return jsonContents(statusURI, status)
}

func (s *Server) readCharms(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	var ids []string
	if err := s.session.Do(func(state *fakebackend.State) error {
		ids = state.Charms().IDs()
		return nil
	}); err != nil {
		return nil, err
	}
	return jsonContents(charmsURI, ids)
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: jsonMIME, Text: string(data)},
	}, nil
}
