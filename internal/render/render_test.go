package render

import (
	"reflect"
	"testing"
)

func TestRender(t *testing.T) {
	vars := map[string]any{
		"name": "Ada",
		"account": map[string]any{
			"id":   "acct_42",
			"plan": map[string]any{"tier": "pro"},
		},
		"age":    float64(37),
		"active": true,
		"tags":   []any{"a", "b"},
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"simple", "Hello {{ name }}!", "Hello Ada!"},
		{"dotted path", "acct={{ account.id }}", "acct=acct_42"},
		{"deep path", "tier={{ account.plan.tier }}", "tier=pro"},
		{"number", "age {{age}}", "age 37"},
		{"bool", "{{ active }}", "true"},
		{"compound as json", "t={{ tags }}", `t=["a","b"]`},
		{"object as json", "p={{ account.plan }}", `p={"tier":"pro"}`},
		{"miss survives verbatim", "hi {{ missing.key }} bye", "hi {{ missing.key }} bye"},
		{"partial path miss", "{{ account.nope }}", "{{ account.nope }}"},
		{"scalar mid-path miss", "{{ name.sub }}", "{{ name.sub }}"},
		{"no placeholders", "plain text", "plain text"},
		{"unclosed brace untouched", "time is {{now", "time is {{now"},
		{"whitespace tolerated", "{{  name  }}", "Ada"},
		{"empty template", "", ""},
		{"mixed hit and miss", "{{name}} {{ghost}}", "Ada {{ghost}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.template, vars); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestRenderNilVars(t *testing.T) {
	if got := Render("hi {{ name }}", nil); got != "hi {{ name }}" {
		t.Errorf("got %q, want placeholder preserved", got)
	}
}

func TestRenderDeep(t *testing.T) {
	vars := map[string]any{"city": "Daytona", "n": float64(3)}

	in := map[string]any{
		"greeting": "Welcome to {{ city }}",
		"count":    float64(7),
		"nested": []any{
			"{{ city }} beach",
			map[string]any{"note": "n={{ n }}", "keep": true},
		},
	}

	got := RenderDeep(in, vars)

	want := map[string]any{
		"greeting": "Welcome to Daytona",
		"count":    float64(7),
		"nested": []any{
			"Daytona beach",
			map[string]any{"note": "n=3", "keep": true},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RenderDeep mismatch:\n got %#v\nwant %#v", got, want)
	}

	// Input must not be mutated.
	if in["greeting"] != "Welcome to {{ city }}" {
		t.Error("RenderDeep mutated its input")
	}
}

func TestRenderDeepScalars(t *testing.T) {
	if got := RenderDeep(nil, nil); got != nil {
		t.Errorf("RenderDeep(nil) = %v", got)
	}
	if got := RenderDeep(float64(2.5), nil); got != float64(2.5) {
		t.Errorf("RenderDeep(2.5) = %v", got)
	}
}
