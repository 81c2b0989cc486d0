// Package toolserver runs external MCP tool servers as pooled subprocesses.
//
// Each resource key maps to a command that speaks MCP over stdio. The Spawner
// starts one subprocess per pool entry and keeps an MCP client session open to
// it; the Source checks sessions out of the pool for the lifetime of one
// generation task.
package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/heronchat/heron/internal/pool"
)

// Client is the slice of MCP client-session behavior the pool and source
// need. *mcp.ClientSession satisfies it; tests substitute fakes.
type Client interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// CommandSpec describes how to start one tool-server process.
type CommandSpec struct {
	Command string
	Args    []string
	Env     []string // appended to the parent environment
}

// Spawner starts and stops MCP tool-server subprocesses. It implements
// pool.Spawner[Client].
type Spawner struct {
	specs  map[string]CommandSpec
	client *mcp.Client
	logger *slog.Logger
}

// NewSpawner creates a Spawner for the configured commands.
func NewSpawner(specs map[string]CommandSpec, version string, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{
		specs: specs,
		client: mcp.NewClient(&mcp.Implementation{
			Name:    "heron",
			Version: version,
		}, nil),
		logger: logger,
	}
}

// Keys returns the configured resource keys in stable order, for pool
// initialization and batch checkout.
func (s *Spawner) Keys() []string {
	keys := make([]string, 0, len(s.specs))
	for key := range s.specs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Spawn starts the tool-server process for key and completes the MCP
// handshake over its stdio.
func (s *Spawner) Spawn(ctx context.Context, key string) (Client, error) {
	spec, ok := s.specs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pool.ErrUnknownKey, key)
	}

	// The process must outlive the spawn call, so no CommandContext here;
	// session.Close terminates it.
	cmd := exec.Command(spec.Command, spec.Args...)
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	session, err := s.client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect tool server %q: %w", key, err)
	}

	s.logger.Debug("tool server started", "key", key, "command", spec.Command)
	return session, nil
}

// Teardown closes the session, which shuts down the subprocess.
func (s *Spawner) Teardown(ctx context.Context, c Client) error {
	return c.Close()
}
