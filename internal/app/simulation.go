package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/heronchat/heron/internal/orchestrator"
	"github.com/heronchat/heron/internal/session"
)

// defaultChunkDelay paces simulated streaming so the SSE path is observable
// by eye during development.
const defaultChunkDelay = 30 * time.Millisecond

// Simulation is a stand-in Generator used when no model is configured. It
// streams a canned echo of the message word by word, honoring the task's
// cancellation token between chunks exactly as a real generator must.
type Simulation struct {
	chunkDelay time.Duration
}

// NewSimulation creates a Simulation. A non-positive delay picks the default.
func NewSimulation(chunkDelay time.Duration) *Simulation {
	if chunkDelay <= 0 {
		chunkDelay = defaultChunkDelay
	}
	return &Simulation{chunkDelay: chunkDelay}
}

// Generate implements orchestrator.Generator.
func (s *Simulation) Generate(ctx context.Context, req orchestrator.Request, emit func(chunk string)) ([]session.Item, error) {
	reply := fmt.Sprintf("(simulation) you said: %s (history: %d items)", req.Message, len(req.History))

	var sb strings.Builder
	for _, word := range strings.Fields(reply) {
		if err := req.Token.Check(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk := word + " "
		emit(chunk)
		sb.WriteString(chunk)

		select {
		case <-time.After(s.chunkDelay):
		case <-req.Token.Done():
			return nil, req.Token.Check()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	item := session.NewMessageItem(session.KindAssistantMessage, "assistant", strings.TrimSpace(sb.String()))
	return []session.Item{item}, nil
}
