package config

import (
	"path/filepath"
	"testing"
)

func TestLoadSettingsDefaults(t *testing.T) {
	for _, k := range []string{"PLANTVIT_BASE_DIR", "PLANTVIT_MODEL_PATH", "PLANTVIT_TOP_K", "PLANTVIT_MAX_UPLOAD_SIZE", "PLANTVIT_WORKERS"} {
		t.Setenv(k, "")
	}
	s := LoadSettings()
	if s.ModelPath != DefaultModelFile {
		t.Errorf("ModelPath = %q", s.ModelPath)
	}
	if s.TopK != 5 {
		t.Errorf("TopK = %d", s.TopK)
	}
	if s.MaxUploadSize != 10*1024*1024 {
		t.Errorf("MaxUploadSize = %d", s.MaxUploadSize)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("default settings invalid: %v", err)
	}
}

func TestLoadSettingsEnv(t *testing.T) {
	t.Setenv("PLANTVIT_BASE_DIR", "/srv/plantvit")
	t.Setenv("PLANTVIT_MODEL_PATH", "weights/model.safetensors")
	t.Setenv("PLANTVIT_METADATA_PATH", "/etc/plantvit/meta.json")
	t.Setenv("PLANTVIT_TOP_K", "3")
	t.Setenv("PLANTVIT_WORKERS", "\"2\"")
	t.Setenv("PLANTVIT_MAX_UPLOAD_SIZE", "not-a-number")

	s := LoadSettings()
	if s.TopK != 3 {
		t.Errorf("TopK = %d", s.TopK)
	}
	if s.Workers != 2 {
		t.Errorf("Workers = %d", s.Workers)
	}
	if s.MaxUploadSize != DefaultMaxUploadSize {
		t.Errorf("invalid value should fall back to default, got %d", s.MaxUploadSize)
	}
	if got, want := s.ResolvedModelPath(), filepath.Join("/srv/plantvit", "weights/model.safetensors"); got != want {
		t.Errorf("ResolvedModelPath = %q, want %q", got, want)
	}
	if got := s.ResolvedMetadataPath(); got != "/etc/plantvit/meta.json" {
		t.Errorf("absolute metadata path changed: %q", got)
	}
	if s.AsMap()["PLANTVIT_TOP_K"] != "3" {
		t.Errorf("AsMap top k = %q", s.AsMap()["PLANTVIT_TOP_K"])
	}
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty model", func(s *Settings) { s.ModelPath = "" }},
		{"zero top k", func(s *Settings) { s.TopK = 0 }},
		{"zero upload", func(s *Settings) { s.MaxUploadSize = 0 }},
		{"zero workers", func(s *Settings) { s.Workers = 0 }},
		{"bad format", func(s *Settings) { s.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
