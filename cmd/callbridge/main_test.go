package main

import (
	"bytes"
	"testing"
)

func TestRootCmdHasSubcommands(t *testing.T) {
	root := buildRootCmd()
	want := map[string]bool{"serve": false, "agents": false, "calls": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestServeRejectsMissingConfig(t *testing.T) {
	root := buildRootCmd()
	root.SetArgs([]string{"serve", "--config", "/nonexistent/callbridge.yaml"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
