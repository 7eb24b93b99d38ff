// Package sessionspec assembles the realtime session configuration for one
// call: the voice, the resolved tool table and the instruction blob the
// backend treats as opaque. Building never fails; absent inputs degrade to
// empty collections and strings.
package sessionspec

import (
	"encoding/json"
	"strings"

	"github.com/voicewire/callbridge/internal/agentspec"
	"github.com/voicewire/callbridge/internal/render"
)

// Built-in call-control tool names. Built-ins take precedence over
// same-named custom tools.
const (
	ToolTransferCall = "transfer_call"
	ToolEndCall      = "end_call"
)

// toolDirective is appended between the agent prompt and the serialized
// conversation flow. Order is fixed: the backend treats the concatenation
// as one opaque instruction blob and behavior must be reproducible.
const toolDirective = "Use the following conversation flow as a guide. If you encounter a tool or function, execute the tool or function.\n"

// ToolDef is the wire shape of one tool declaration sent with the session
// configuration.
type ToolDef struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Parts is the assembled session configuration.
type Parts struct {
	Voice        string
	ToolDefs     []ToolDef
	ToolsByName  map[string]agentspec.ToolDecl
	Instructions string
}

// Options adjusts building.
type Options struct {
	// DefaultVoice is used when the agent definition selects none.
	DefaultVoice string
}

// Build produces the session parts for an agent definition and a set of
// per-call dynamic variables.
func Build(spec *agentspec.Spec, vars map[string]any, opts Options) Parts {
	voice := opts.DefaultVoice
	var flow agentspec.Flow
	prompt := ""
	if spec != nil {
		if spec.Voice != "" {
			voice = spec.Voice
		}
		flow = spec.ConversationFlow
		prompt = spec.Prompt
	}

	defs := builtinToolDefs()
	byName := make(map[string]agentspec.ToolDecl)

	renderedTools := make([]agentspec.ToolDecl, 0, len(flow.Tools))
	for _, tool := range flow.Tools {
		rendered := renderTool(tool, vars)
		renderedTools = append(renderedTools, rendered)

		name := strings.ToLower(strings.TrimSpace(rendered.Name))
		if name == "" || rendered.IsConversation() {
			continue
		}
		if name == ToolTransferCall || name == ToolEndCall {
			// Built-ins win over same-named custom tools.
			continue
		}
		byName[name] = rendered

		params := rendered.Parameters
		if params == nil {
			params = map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": true,
			}
		}
		desc := rendered.Description
		if desc == "" {
			desc = "Custom flow tool"
		}
		defs = append(defs, ToolDef{
			Type:        "function",
			Name:        name,
			Description: desc,
			Parameters:  normalizeSchema(params).(map[string]any),
		})
	}

	instructions := buildInstructions(prompt, flow, renderedTools, vars)

	return Parts{
		Voice:        voice,
		ToolDefs:     defs,
		ToolsByName:  byName,
		Instructions: instructions,
	}
}

func buildInstructions(prompt string, flow agentspec.Flow, renderedTools []agentspec.ToolDecl, vars map[string]any) string {
	var b strings.Builder
	if prompt != "" {
		b.WriteString(render.Render(prompt, vars))
		b.WriteString("\n\n")
	}
	b.WriteString(toolDirective)

	flowObj := make(map[string]any, len(flow.Content)+1)
	for k, v := range flow.Content {
		flowObj[k] = render.RenderDeep(v, vars)
	}
	if len(renderedTools) > 0 {
		flowObj["tools"] = renderedTools
	}
	serialized, err := json.Marshal(flowObj)
	if err != nil {
		serialized = []byte("{}")
	}
	b.Write(serialized)
	return b.String()
}

func renderTool(tool agentspec.ToolDecl, vars map[string]any) agentspec.ToolDecl {
	out := tool
	out.Description = render.Render(tool.Description, vars)
	out.URL = render.Render(tool.URL, vars)
	if tool.Headers != nil {
		out.Headers = make(map[string]string, len(tool.Headers))
		for k, v := range tool.Headers {
			out.Headers[k] = render.Render(v, vars)
		}
	}
	if tool.QueryParams != nil {
		out.QueryParams = make(map[string]string, len(tool.QueryParams))
		for k, v := range tool.QueryParams {
			out.QueryParams[k] = render.Render(v, vars)
		}
	}
	if tool.Parameters != nil {
		out.Parameters = render.RenderDeep(tool.Parameters, vars).(map[string]any)
	}
	return out
}

// normalizeSchema renames additional_properties to the platform casing
// additionalProperties, recursively. Every other key passes through.
func normalizeSchema(schema any) any {
	switch v := schema.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if k == "additional_properties" {
				k = "additionalProperties"
			}
			out[k] = normalizeSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = normalizeSchema(val)
		}
		return out
	default:
		return schema
	}
}

func builtinToolDefs() []ToolDef {
	return []ToolDef{
		{
			Type:        "function",
			Name:        ToolTransferCall,
			Description: "Transfer the current call to a phone number (E.164) or target_uri (tel: / sip:).",
			Parameters: map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"phone_number": map[string]any{
						"type":        "string",
						"description": "Destination phone number in E.164, e.g. +13865551234",
					},
					"target_uri": map[string]any{
						"type":        "string",
						"description": "Optional explicit target URI, e.g. tel:+1386... or sip:alice@example.com",
					},
					"handoff_message": map[string]any{
						"type":        "string",
						"description": "What the agent should say before transferring",
					},
				},
			},
		},
		{
			Type:        "function",
			Name:        ToolEndCall,
			Description: "End the current phone call immediately.",
			Parameters: map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"closing_message": map[string]any{
						"type":        "string",
						"description": "Optional final message before ending the call",
					},
				},
			},
		},
	}
}
