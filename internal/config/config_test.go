package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
transport:
  mode: tcp
  host: 192.168.1.5:9999
feedback_module: true
long_press_threshold_ms: 800
modules:
  - type: switch
    address: "4707"
    channels:
      - description: hall light
      - description: kitchen light
      - description: spare
      - description: spare
      - description: spare
      - description: spare
  - type: roller
    address: "9105"
    channels:
      - description: living shutter
        operation_time: 25
      - description: bedroom shutter
      - description: spare
      - description: spare
      - description: spare
      - description: spare
buttons:
  - address: "4ECB1A"
    impacted_module:
      - address: "4707"
        group: "1"
scenes:
  - id: evening
    channels:
      - module_id: "4707"
        channel: 1
        state: 255
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Transport.Baud != 9600 {
		t.Errorf("baud = %d, want default 9600", cfg.Transport.Baud)
	}
	if cfg.RefreshIntervalS != 120 {
		t.Errorf("refresh_interval_s = %d, want default 120", cfg.RefreshIntervalS)
	}
	if cfg.LongPressThresholdMS != 800 {
		t.Errorf("long_press_threshold_ms = %d, want 800", cfg.LongPressThresholdMS)
	}
	if !cfg.FeedbackModule {
		t.Error("feedback_module should be true")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log defaults = %s/%s", cfg.Log.Level, cfg.Log.Format)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s string) string
		wantErr string
	}{
		{
			name:    "serial mode without port",
			mutate:  func(s string) string { return strings.Replace(s, "mode: tcp", "mode: serial", 1) },
			wantErr: "transport.port",
		},
		{
			name:    "unknown transport mode",
			mutate:  func(s string) string { return strings.Replace(s, "mode: tcp", "mode: carrier-pigeon", 1) },
			wantErr: "transport.mode",
		},
		{
			name:    "bad module type",
			mutate:  func(s string) string { return strings.Replace(s, "type: switch", "type: blender", 1) },
			wantErr: "type must be",
		},
		{
			name:    "short module address",
			mutate:  func(s string) string { return strings.Replace(s, `address: "4707"`, `address: "47"`, 1) },
			wantErr: "must be 4 hex chars",
		},
		{
			name:    "impacted module not configured",
			mutate:  func(s string) string { return strings.Replace(s, `- address: "4707"`+"\n        group", `- address: "BEEF"`+"\n        group", 1) },
			wantErr: "not in modules",
		},
		{
			name:    "bad impacted group",
			mutate:  func(s string) string { return strings.Replace(s, `group: "1"`, `group: "3"`, 1) },
			wantErr: "group must be",
		},
		{
			name:    "scene channel out of range",
			mutate:  func(s string) string { return strings.Replace(s, "channel: 1\n", "channel: 13\n", 1) },
			wantErr: "out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.mutate(sampleYAML)))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted a bad config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRejectsDuplicateModuleAddress(t *testing.T) {
	body := strings.Replace(sampleYAML, `address: "9105"`, `address: "4707"`, 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("err = %v, want duplicate-address error", err)
	}
}
