// Package session provides the dual-layer persistence for conversation state.
//
// Layer 1 (context_items) is the append-only, totally ordered log fed back to
// the model as working context; it is the single source of truth. Layer 2
// (transcript_entries) is a best-effort, human-readable projection for UI
// history: it may lag or drop entries without invalidating Layer 1, and it can
// always be rebuilt from Layer 1 (see Store.RebuildTranscript).
package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Context item kinds. The payload schema depends on the kind; the store
// treats payloads as opaque blobs except when projecting the transcript.
const (
	KindUserMessage      = "user_message"
	KindAssistantMessage = "assistant_message"
	KindReasoning        = "reasoning"
	KindToolCall         = "tool_call"
	KindToolResult       = "tool_result"
	KindInterrupted      = "interrupted"
)

// Session is one conversation (application-level type).
type Session struct {
	ID        uuid.UUID
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Item is one entry in the Layer 1 context log. Seq is assigned by the store
// under a per-session lock, giving a total order for replay and resume.
type Item struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Seq       int64
	Kind      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// TranscriptEntry is one row of the Layer 2 projection.
type TranscriptEntry struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Seq       int64
	Role      string
	Content   string
	CreatedAt time.Time
}

// messagePayload is the payload schema shared by user_message,
// assistant_message, and interrupted items.
type messagePayload struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// NewMessageItem builds a displayable message item.
func NewMessageItem(kind, role, text string) Item {
	payload, _ := json.Marshal(messagePayload{Role: role, Text: text})
	return Item{Kind: kind, Payload: payload}
}

// projectItem maps a Layer 1 item to its transcript form. Tool plumbing and
// reasoning items are internal to the model loop and are not displayed.
func projectItem(item Item) (TranscriptEntry, bool) {
	switch item.Kind {
	case KindUserMessage, KindAssistantMessage, KindInterrupted:
		var p messagePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return TranscriptEntry{}, false
		}
		return TranscriptEntry{
			SessionID: item.SessionID,
			Seq:       item.Seq,
			Role:      p.Role,
			Content:   p.Text,
		}, true
	default:
		return TranscriptEntry{}, false
	}
}
