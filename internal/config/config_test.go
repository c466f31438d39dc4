package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.DecisionTimeout() != 30*time.Second {
		t.Fatalf("decision timeout = %s", cfg.DecisionTimeout())
	}
	if cfg.AccessLinkTTL() != 24*time.Hour {
		t.Fatalf("access link ttl = %s", cfg.AccessLinkTTL())
	}
	if cfg.AccessSlotTTL() != 10*time.Minute {
		t.Fatalf("access slot ttl = %s", cfg.AccessSlotTTL())
	}
}

func TestFromYAMLRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "zero timeout",
			yaml: "approval:\n  timeout_seconds: 0\n  access_link_ttl_hours: 24\n  access_slot_ttl_minutes: 10\n",
			want: "timeout_seconds",
		},
		{
			name: "bad base path",
			yaml: "server:\n  base_path: v0\napproval:\n  timeout_seconds: 30\n  access_link_ttl_hours: 24\n  access_slot_ttl_minutes: 10\n",
			want: "base_path",
		},
		{
			name: "webhook without url",
			yaml: "approval:\n  timeout_seconds: 30\n  access_link_ttl_hours: 24\n  access_slot_ttl_minutes: 10\nwebhooks:\n  - events: [\"workflow.resolved\"]\n",
			want: "webhooks[0].url",
		},
		{
			name: "not yaml",
			yaml: "{nope",
			want: "invalid config yaml",
		},
	}
	for _, tc := range cases {
		_, err := FromYAML([]byte(tc.yaml))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestLoadMissingFileGuidesToInit(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("err = %v, want pointer to config init", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("optional load = %v, %v; want nil, nil", cfg, err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "buzzline.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/v0" || cfg.Approval.TimeoutSeconds != 30 {
		t.Fatalf("loaded config = %+v", cfg)
	}
}
