// Package agentspec defines agent definitions and their on-disk store.
// An agent definition carries the prompt, conversation flow, tool
// declarations, webhook delivery target and voice selection for the calls
// it answers. Definitions are read-only for the rest of the system.
package agentspec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolDecl declares one custom tool the agent's flow may invoke. Tools of
// type "conversation" are flow-routing markers, not invokable tools.
type ToolDecl struct {
	Name        string            `yaml:"name" json:"name"`
	Type        string            `yaml:"type,omitempty" json:"type,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Method      string            `yaml:"method,omitempty" json:"method,omitempty"`
	URL         string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	QueryParams map[string]string `yaml:"query_params,omitempty" json:"query_params,omitempty"`
	TimeoutMS   int               `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	// ArgsAtRoot flattens call arguments into the request body root
	// instead of wrapping them under an "args" key.
	ArgsAtRoot bool           `yaml:"args_at_root,omitempty" json:"args_at_root,omitempty"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// IsConversation reports whether the declaration is a flow-routing marker
// rather than an invokable tool.
func (t ToolDecl) IsConversation() bool {
	return strings.EqualFold(strings.TrimSpace(t.Type), "conversation")
}

// Flow is the conversation-flow description. Tools are declared under the
// flow; the remaining content is opaque and passed to the model verbatim
// (after variable rendering).
type Flow struct {
	Tools   []ToolDecl     `yaml:"tools,omitempty" json:"tools,omitempty"`
	Content map[string]any `yaml:",inline" json:"-"`
}

// MarshalJSON serializes the flow as one object: the opaque content plus
// the tools list, matching how the flow was authored.
func (f Flow) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(f.Content)+1)
	for k, v := range f.Content {
		out[k] = v
	}
	if len(f.Tools) > 0 {
		out["tools"] = f.Tools
	}
	return json.Marshal(out)
}

// Spec is one agent definition.
type Spec struct {
	AgentID          string `yaml:"agent_id" json:"agent_id"`
	Prompt           string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	ConversationFlow Flow   `yaml:"conversation_flow,omitempty" json:"conversation_flow,omitempty"`
	Voice            string `yaml:"voice,omitempty" json:"voice,omitempty"`
	WebhookURL       string `yaml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	WebhookSecret    string `yaml:"webhook_secret,omitempty" json:"webhook_secret,omitempty"`
	// ConfirmEndCall requires the model to invoke end_call a second time
	// within the confirmation window before the call is actually ended.
	ConfirmEndCall bool `yaml:"confirm_end_call,omitempty" json:"confirm_end_call,omitempty"`
}

// Validate checks the definition for structural problems: a missing agent
// id, duplicate tool names (case-insensitive), and parameter declarations
// that are not valid JSON Schema.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.AgentID) == "" {
		return errors.New("agentspec: agent_id is required")
	}

	seen := make(map[string]struct{})
	for i, tool := range s.ConversationFlow.Tools {
		name := strings.ToLower(strings.TrimSpace(tool.Name))
		if name == "" {
			return fmt.Errorf("agentspec: tool %d has no name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("agentspec: duplicate tool name %q", name)
		}
		seen[name] = struct{}{}

		if tool.IsConversation() || tool.Parameters == nil {
			continue
		}
		if err := compileSchema(tool.Parameters); err != nil {
			return fmt.Errorf("agentspec: tool %q has invalid parameter schema: %w", name, err)
		}
	}
	return nil
}

// compileSchema verifies a declared parameter object is a loadable JSON
// Schema. Declarations use snake_case additional_properties, which the
// session builder renames later; both spellings compile.
func compileSchema(params map[string]any) error {
	normalized := make(map[string]any, len(params))
	for k, v := range params {
		if k == "additional_properties" {
			k = "additionalProperties"
		}
		normalized[k] = v
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool-params.json", bytes.NewReader(raw)); err != nil {
		return err
	}
	_, err = compiler.Compile("tool-params.json")
	return err
}
