package config

import (
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default("org-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Org.ID != "org-1" {
		t.Fatalf("org id not applied: %s", cfg.Org.ID)
	}
	if len(cfg.Defaults.TaskTypes) == 0 {
		t.Fatalf("default task types missing")
	}
	if !cfg.Automation.Enabled {
		t.Fatalf("automation should default to enabled")
	}
}

func TestGenerateDefaultRoundTrip(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("org-x")))
	if err != nil {
		t.Fatalf("generated default must parse: %v", err)
	}
	if cfg.Org.ID != "org-x" {
		t.Fatalf("unexpected org id %s", cfg.Org.ID)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing org id",
			yaml: "defaults:\n  task_types: [feature]\n",
			want: "org.id",
		},
		{
			name: "no task types",
			yaml: "org:\n  id: o\n",
			want: "task_types",
		},
		{
			name: "duplicate task type",
			yaml: "org:\n  id: o\ndefaults:\n  task_types: [feature, feature]\n",
			want: "twice",
		},
		{
			name: "negative template cap",
			yaml: "org:\n  id: o\ndefaults:\n  task_types: [feature]\nautomation:\n  max_templates_per_rule: -1\n",
			want: "max_templates_per_rule",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestFromYAMLBadSyntax(t *testing.T) {
	if _, err := FromYAML([]byte("org: [")); err == nil {
		t.Fatalf("expected parse error")
	}
}
