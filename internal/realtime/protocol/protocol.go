// Package protocol types the control-channel wire traffic. Inbound frames
// are decoded once at the boundary into a closed set of event values;
// unknown event kinds decode to nil and are ignored by the controller.
// Outbound commands marshal to the three frame shapes the backend accepts.
package protocol

import (
	"encoding/json"
	"strings"
)

// Turn-detection parameters sent with every session configuration.
// Server-driven voice activity detection with these constants is required
// before the first response is generated.
const (
	VADThreshold       = 0.5
	VADPrefixPaddingMS = 300
	VADSilenceMS       = 600
)

// DefaultModel is the realtime model requested for call sessions.
const DefaultModel = "gpt-realtime"

// TranscriptionModel transcribes inbound caller audio.
const TranscriptionModel = "gpt-4o-mini-transcribe"

// ---- Inbound events ----

// ErrorEvent is a protocol-level error frame. Non-fatal; the session
// continues.
type ErrorEvent struct {
	Code    string
	Message string
	Raw     json.RawMessage
}

// FunctionCallStarted opens a streamed function call.
type FunctionCallStarted struct {
	CallID string
	Name   string
}

// FunctionCallDelta appends streamed argument text to a pending call.
type FunctionCallDelta struct {
	CallID string
	Delta  string
}

// FunctionCallDone completes a streamed function call. Arguments is the
// full argument text when the frame carries it; callers fall back to the
// accumulated deltas when empty.
type FunctionCallDone struct {
	CallID    string
	Name      string
	Arguments string
}

// UserTranscript is the completed transcription of caller speech.
type UserTranscript struct {
	Text string
}

// AgentTranscript is the assistant's completed spoken transcript.
type AgentTranscript struct {
	Text string
}

type inboundFrame struct {
	Type       string `json:"type"`
	CallID     string `json:"call_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Item       *struct {
		Type       string `json:"type"`
		CallID     string `json:"call_id"`
		Name       string `json:"name"`
		Arguments  string `json:"arguments"`
		Transcript string `json:"transcript"`
		Content    []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"item"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeServerEvent parses one inbound frame. It returns one of the event
// types above, or nil for frames the controller does not act on
// (including frames that fail to parse; the channel is external input
// and must never fault the session).
func DecodeServerEvent(data []byte) any {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil
	}

	switch frame.Type {
	case "error":
		ev := ErrorEvent{Raw: append(json.RawMessage(nil), data...)}
		if frame.Error != nil {
			ev.Code = frame.Error.Code
			ev.Message = frame.Error.Message
		}
		return ev

	case "response.output_item.added":
		if frame.Item == nil || frame.Item.Type != "function_call" {
			return nil
		}
		return FunctionCallStarted{CallID: frame.Item.CallID, Name: frame.Item.Name}

	case "response.function_call_arguments.delta":
		return FunctionCallDelta{CallID: frame.CallID, Delta: frame.Delta}

	case "response.output_item.done":
		if frame.Item == nil || frame.Item.Type != "function_call" {
			return nil
		}
		return FunctionCallDone{CallID: frame.Item.CallID, Name: frame.Item.Name, Arguments: frame.Item.Arguments}

	case "conversation.item.input_audio_transcription.completed":
		return UserTranscript{Text: userText(frame)}

	case "response.output_audio_transcript.done":
		return AgentTranscript{Text: frame.Transcript}

	default:
		return nil
	}
}

// userText pulls the recognized text from whichever field the backend
// populated: the top-level transcript, the item transcript, or the joined
// item content parts.
func userText(frame inboundFrame) string {
	if frame.Transcript != "" {
		return frame.Transcript
	}
	if frame.Item == nil {
		return ""
	}
	if frame.Item.Transcript != "" {
		return frame.Item.Transcript
	}
	var parts []string
	for _, c := range frame.Item.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, " ")
}

// ---- Outbound commands ----

// ToolDef mirrors the session tool declaration wire shape.
type ToolDef struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionConfig is the full session configuration sent on channel open,
// before any response generation is requested.
type SessionConfig struct {
	Model        string
	Voice        string
	Instructions string
	Tools        []ToolDef
}

// SessionObject builds the session body shared by the session.update
// frame and the REST call-accept request.
func SessionObject(cfg SessionConfig) map[string]any {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	tools := cfg.Tools
	if tools == nil {
		tools = []ToolDef{}
	}
	return map[string]any{
		"type":         "realtime",
		"model":        model,
		"instructions": cfg.Instructions,
		"audio": map[string]any{
			"input": map[string]any{
				"transcription": map[string]any{"model": TranscriptionModel},
				"turn_detection": map[string]any{
					"type":                "server_vad",
					"threshold":           VADThreshold,
					"prefix_padding_ms":   VADPrefixPaddingMS,
					"silence_duration_ms": VADSilenceMS,
					"create_response":     true,
					"interrupt_response":  true,
				},
			},
			"output": map[string]any{"voice": cfg.Voice},
		},
		"tools": tools,
	}
}

// MarshalSessionUpdate builds the session.update frame.
func MarshalSessionUpdate(cfg SessionConfig) ([]byte, error) {
	frame := map[string]any{
		"type":    "session.update",
		"session": SessionObject(cfg),
	}
	return json.Marshal(frame)
}

// MarshalResponseCreate builds a response.create frame. A non-empty
// instructions string steers the next spoken turn (handoff or closing
// lines); empty resumes generation normally.
func MarshalResponseCreate(instructions string) ([]byte, error) {
	frame := map[string]any{"type": "response.create"}
	if instructions != "" {
		frame["response"] = map[string]any{"instructions": instructions}
	} else {
		frame["response"] = map[string]any{}
	}
	return json.Marshal(frame)
}

// MarshalFunctionOutput builds the conversation.item.create frame
// returning a tool result to the model. Output is the serialized result.
func MarshalFunctionOutput(callID, output string) ([]byte, error) {
	frame := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}
	return json.Marshal(frame)
}
