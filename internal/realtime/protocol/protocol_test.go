package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestDecodeServerEvent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{
			name: "error frame",
			raw:  `{"type":"error","error":{"code":"rate_limited","message":"slow down"}}`,
			want: ErrorEvent{Code: "rate_limited", Message: "slow down"},
		},
		{
			name: "error frame without detail",
			raw:  `{"type":"error"}`,
			want: ErrorEvent{},
		},
		{
			name: "function call opened",
			raw:  `{"type":"response.output_item.added","item":{"type":"function_call","call_id":"fc_1","name":"lookup_order"}}`,
			want: FunctionCallStarted{CallID: "fc_1", Name: "lookup_order"},
		},
		{
			name: "non function output item ignored",
			raw:  `{"type":"response.output_item.added","item":{"type":"message"}}`,
			want: nil,
		},
		{
			name: "argument delta",
			raw:  `{"type":"response.function_call_arguments.delta","call_id":"fc_1","delta":"{\"order"}`,
			want: FunctionCallDelta{CallID: "fc_1", Delta: `{"order`},
		},
		{
			name: "function call done",
			raw:  `{"type":"response.output_item.done","item":{"type":"function_call","call_id":"fc_1","name":"lookup_order","arguments":"{\"order_id\":\"42\"}"}}`,
			want: FunctionCallDone{CallID: "fc_1", Name: "lookup_order", Arguments: `{"order_id":"42"}`},
		},
		{
			name: "user transcript top level",
			raw:  `{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello there"}`,
			want: UserTranscript{Text: "hello there"},
		},
		{
			name: "user transcript on item",
			raw:  `{"type":"conversation.item.input_audio_transcription.completed","item":{"transcript":"hi"}}`,
			want: UserTranscript{Text: "hi"},
		},
		{
			name: "user transcript from content parts",
			raw:  `{"type":"conversation.item.input_audio_transcription.completed","item":{"content":[{"text":"one"},{"text":"two"}]}}`,
			want: UserTranscript{Text: "one two"},
		},
		{
			name: "agent transcript",
			raw:  `{"type":"response.output_audio_transcript.done","transcript":"How can I help?"}`,
			want: AgentTranscript{Text: "How can I help?"},
		},
		{
			name: "unknown type ignored",
			raw:  `{"type":"response.output_audio.delta","delta":"...."}`,
			want: nil,
		},
		{
			name: "malformed json ignored",
			raw:  `{not json`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeServerEvent([]byte(tt.raw))
			if ev, ok := got.(ErrorEvent); ok {
				ev.Raw = nil
				got = ev
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DecodeServerEvent() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestMarshalSessionUpdate(t *testing.T) {
	raw, err := MarshalSessionUpdate(SessionConfig{
		Voice:        "marin",
		Instructions: "Be helpful.",
		Tools: []ToolDef{
			{Type: "function", Name: "end_call", Description: "End the call."},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatal(err)
	}
	if frame["type"] != "session.update" {
		t.Errorf("type = %v", frame["type"])
	}
	session := frame["session"].(map[string]any)
	if session["model"] != DefaultModel {
		t.Errorf("model = %v", session["model"])
	}
	if session["instructions"] != "Be helpful." {
		t.Errorf("instructions = %v", session["instructions"])
	}

	audio := session["audio"].(map[string]any)
	input := audio["input"].(map[string]any)
	turn := input["turn_detection"].(map[string]any)
	if turn["type"] != "server_vad" {
		t.Errorf("turn detection = %v", turn["type"])
	}
	if turn["threshold"] != 0.5 || turn["prefix_padding_ms"] != float64(300) || turn["silence_duration_ms"] != float64(600) {
		t.Errorf("vad params = %v", turn)
	}
	if turn["create_response"] != true || turn["interrupt_response"] != true {
		t.Errorf("vad response flags = %v", turn)
	}
	if model := input["transcription"].(map[string]any)["model"]; model != TranscriptionModel {
		t.Errorf("transcription model = %v", model)
	}
	if voice := audio["output"].(map[string]any)["voice"]; voice != "marin" {
		t.Errorf("voice = %v", voice)
	}
	tools := session["tools"].([]any)
	if len(tools) != 1 || tools[0].(map[string]any)["name"] != "end_call" {
		t.Errorf("tools = %v", tools)
	}
}

func TestMarshalResponseCreate(t *testing.T) {
	raw, err := MarshalResponseCreate("")
	if err != nil {
		t.Fatal(err)
	}
	var frame map[string]any
	_ = json.Unmarshal(raw, &frame)
	if frame["type"] != "response.create" {
		t.Errorf("type = %v", frame["type"])
	}
	if _, ok := frame["response"].(map[string]any)["instructions"]; ok {
		t.Error("empty instructions must be omitted")
	}

	raw, err = MarshalResponseCreate("Say goodbye politely.")
	if err != nil {
		t.Fatal(err)
	}
	_ = json.Unmarshal(raw, &frame)
	if got := frame["response"].(map[string]any)["instructions"]; got != "Say goodbye politely." {
		t.Errorf("instructions = %v", got)
	}
}

func TestMarshalFunctionOutput(t *testing.T) {
	raw, err := MarshalFunctionOutput("fc_9", `{"ok":true}`)
	if err != nil {
		t.Fatal(err)
	}
	var frame map[string]any
	_ = json.Unmarshal(raw, &frame)
	if frame["type"] != "conversation.item.create" {
		t.Errorf("type = %v", frame["type"])
	}
	item := frame["item"].(map[string]any)
	if item["type"] != "function_call_output" || item["call_id"] != "fc_9" || item["output"] != `{"ok":true}` {
		t.Errorf("item = %v", item)
	}
}
