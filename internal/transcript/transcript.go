// Package transcript accumulates the ordered event log for one call and
// derives the textual and structured views delivered with lifecycle
// webhooks.
package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates transcript event variants.
type Kind string

const (
	KindUser       Kind = "user"
	KindAgent      Kind = "agent"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
)

// Event is one transcript entry. Events are immutable once appended.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Text      string         `json:"text,omitempty"`   // user/agent
	Name      string         `json:"name,omitempty"`   // tool_call/tool_result
	Args      map[string]any `json:"args,omitempty"`   // tool_call
	Output    any            `json:"output,omitempty"` // tool_result
}

// Entry is one row of the structured transcript projection.
type Entry struct {
	Role      string         `json:"role"`
	ToolEvent string         `json:"tool_event,omitempty"`
	Content   string         `json:"content,omitempty"`
	Name      string         `json:"name,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Output    any            `json:"output,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Log is the append-only transcript for a single call.
//
// A Log is exclusively owned by one call session controller; all appends
// and reads happen on that controller's event loop, so no internal locking
// is needed.
type Log struct {
	events []Event
}

// New returns an empty transcript log.
func New() *Log {
	return &Log{}
}

// AppendUser records recognized caller speech. Empty text is ignored.
func (l *Log) AppendUser(text string) {
	if text == "" {
		return
	}
	l.append(Event{Kind: KindUser, Text: text})
}

// AppendAgent records the assistant's spoken transcript. Empty text is
// ignored.
func (l *Log) AppendAgent(text string) {
	if text == "" {
		return
	}
	l.append(Event{Kind: KindAgent, Text: text})
}

// AppendToolCall records a model-initiated tool invocation.
func (l *Log) AppendToolCall(name string, args map[string]any) {
	l.append(Event{Kind: KindToolCall, Name: name, Args: args})
}

// AppendToolResult records the outcome returned for a tool invocation.
func (l *Log) AppendToolResult(name string, output any) {
	l.append(Event{Kind: KindToolResult, Name: name, Output: output})
}

func (l *Log) append(e Event) {
	e.ID = uuid.New().String()
	e.Timestamp = time.Now()
	l.events = append(l.events, e)
}

// Events returns a snapshot of the event log in append order.
func (l *Log) Events() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len reports the number of appended events.
func (l *Log) Len() int {
	return len(l.events)
}

// PlainText renders only user/agent events, one line each.
func (l *Log) PlainText() string {
	var lines []string
	for _, e := range l.events {
		switch e.Kind {
		case KindUser:
			lines = append(lines, "User: "+e.Text)
		case KindAgent:
			lines = append(lines, "Agent: "+e.Text)
		}
	}
	return strings.Join(lines, "\n")
}

// PlainTextWithTools renders all four event variants as lines.
func (l *Log) PlainTextWithTools() string {
	var lines []string
	for _, e := range l.events {
		switch e.Kind {
		case KindUser:
			lines = append(lines, "User: "+e.Text)
		case KindAgent:
			lines = append(lines, "Agent: "+e.Text)
		case KindToolCall:
			lines = append(lines, fmt.Sprintf("Tool call: %s(%s)", e.Name, compactJSON(e.Args)))
		case KindToolResult:
			lines = append(lines, fmt.Sprintf("Tool result: %s -> %s", e.Name, compactJSON(e.Output)))
		}
	}
	return strings.Join(lines, "\n")
}

// Structured returns the role-tagged transcript rows. When includeTools is
// false tool events are omitted entirely.
func (l *Log) Structured(includeTools bool) []Entry {
	var out []Entry
	for _, e := range l.events {
		switch e.Kind {
		case KindUser:
			out = append(out, Entry{Role: "user", Content: e.Text, Timestamp: e.Timestamp})
		case KindAgent:
			out = append(out, Entry{Role: "agent", Content: e.Text, Timestamp: e.Timestamp})
		case KindToolCall:
			if includeTools {
				out = append(out, Entry{Role: "tool", ToolEvent: "call", Name: e.Name, Args: e.Args, Timestamp: e.Timestamp})
			}
		case KindToolResult:
			if includeTools {
				out = append(out, Entry{Role: "tool", ToolEvent: "result", Name: e.Name, Output: e.Output, Timestamp: e.Timestamp})
			}
		}
	}
	return out
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
