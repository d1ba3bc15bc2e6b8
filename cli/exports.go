// This file re-exports the server and storage for embedding projects.
package cli

import (
	"github.com/zot/sandbox/internal/server"
	"github.com/zot/sandbox/internal/storage"
)

type (
	Server   = server.Server
	Storage  = storage.Backend
	Snapshot = storage.Snapshot
)

var (
	NewServer   = server.New
	OpenStorage = storage.Open
)
