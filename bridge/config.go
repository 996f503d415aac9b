package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
)

// ServerConfig describes one external tool server: the command to spawn and
// the environment it needs.
type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled bool              `json:"enabled"`
}

// File is the on-disk bridge configuration:
//
//	{"servers": {"docs": {"command": "docs-server", "enabled": true}}}
type File struct {
	Servers map[string]ServerConfig `json:"servers"`
}

// LoadConfig reads and parses the bridge config JSON at path.
func LoadConfig(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("bridge: read config: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("bridge: parse config: %w", err)
	}
	return f, nil
}

// Connect starts a client for every enabled server, in name order so runs
// are reproducible. Disabled servers are skipped; a server that fails to
// start is logged and skipped rather than failing the rest.
func Connect(ctx context.Context, f File, logger *slog.Logger) []*Client {
	if logger == nil {
		logger = nopLogger
	}

	names := make([]string, 0, len(f.Servers))
	for name := range f.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var clients []*Client
	for _, name := range names {
		srv := f.Servers[name]
		if !srv.Enabled {
			logger.Debug("bridge_skipped", "bridge", name, "reason", "disabled")
			continue
		}
		c := NewClient(name, srv, WithClientLogger(logger))
		if err := c.Start(ctx); err != nil {
			logger.Warn("bridge_start_failed", "bridge", name, "error", err)
			continue
		}
		clients = append(clients, c)
	}
	return clients
}
