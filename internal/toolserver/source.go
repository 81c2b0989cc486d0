package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heronchat/heron/internal/orchestrator"
	"github.com/heronchat/heron/internal/pool"
)

// DefaultAcquireTimeout bounds how long a checkout waits for idle handles
// before reporting exhaustion.
const DefaultAcquireTimeout = 3 * time.Second

// Source checks complete tool-server sets out of the pool, one handle per
// resource key. It implements orchestrator.ToolSource.
type Source struct {
	pool           *pool.Pool[Client]
	keys           []string
	acquireTimeout time.Duration
	tracer         trace.Tracer
	logger         *slog.Logger
}

// NewSource creates a Source over the pool. keys lists the resource keys each
// checkout must cover; a non-positive acquireTimeout applies
// DefaultAcquireTimeout.
func NewSource(p *pool.Pool[Client], keys []string, acquireTimeout time.Duration, logger *slog.Logger) *Source {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		pool:           p,
		keys:           keys,
		acquireTimeout: acquireTimeout,
		tracer:         otel.Tracer("heron/toolserver"),
		logger:         logger,
	}
}

// Checkout acquires one handle per configured key. Exhaustion surfaces as
// pool.ErrExhausted with no handles held.
func (s *Source) Checkout(ctx context.Context) (orchestrator.Tools, error) {
	set, err := s.pool.AcquireMany(ctx, s.keys, s.acquireTimeout)
	if err != nil {
		return nil, err
	}
	return &toolSet{set: set, tracer: s.tracer, logger: s.logger}, nil
}

// toolSet is the per-task view over a batch of leased tool-server sessions.
type toolSet struct {
	set    *pool.LeaseSet[Client]
	tracer trace.Tracer
	logger *slog.Logger
}

// Invoke calls a tool on the leased handle for key and flattens the text
// content of the result.
func (t *toolSet) Invoke(ctx context.Context, key, tool string, args map[string]any) (string, error) {
	client, ok := t.set.Handle(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", pool.ErrUnknownKey, key)
	}

	ctx, span := t.tracer.Start(ctx, "toolserver.invoke", trace.WithAttributes(
		attribute.String("tool.key", key),
		attribute.String("tool.name", tool),
	))
	defer span.End()

	result, err := client.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("call tool %s/%s: %w", key, tool, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		span.SetStatus(codes.Error, "tool reported error")
		return "", fmt.Errorf("tool %s/%s failed: %s", key, tool, text)
	}
	return text, nil
}

// Release returns every leased handle to the pool. Idempotent.
func (t *toolSet) Release(ctx context.Context) {
	t.set.Release(ctx)
}

func flattenContent(content []mcp.Content) string {
	var b strings.Builder
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
