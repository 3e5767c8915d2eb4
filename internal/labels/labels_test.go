package labels

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		json string
		want []string
	}{
		{"nested", `{"postprocessing":{"class_names":["Apple___scab","Apple___healthy"]},"model":"x"}`, []string{"Apple___scab", "Apple___healthy"}},
		{"top level", `{"class_names":["a","b","c"]}`, []string{"a", "b", "c"}},
		{"nested wins", `{"postprocessing":{"class_names":["n"]},"class_names":["t"]}`, []string{"n"}},
		{"postprocessing without names", `{"postprocessing":{},"class_names":["t"]}`, nil},
		{"absent", `{"version":2}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := Parse([]byte(tt.json))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(tt.want, l.Names, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("names (-want +got):\n%s", diff)
			}
			if l.Metadata == nil {
				t.Error("Metadata not kept")
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{`not json`, `{"class_names":"a"}`, `{"class_names":[1,2]}`} {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("Parse(%s) succeeded", in)
		}
	}
}

func TestNameFallback(t *testing.T) {
	l := New([]string{"healthy", "rust"})
	tests := []struct {
		idx  int
		want string
	}{
		{0, "healthy"},
		{1, "rust"},
		{2, "Class_2"},
		{37, "Class_37"},
	}
	for _, tt := range tests {
		if got := l.Name(tt.idx); got != tt.want {
			t.Errorf("Name(%d) = %q, want %q", tt.idx, got, tt.want)
		}
	}

	var empty *Labels
	if got := empty.Name(4); got != "Class_4" {
		t.Errorf("nil Name(4) = %q", got)
	}
	if empty.Len() != 0 {
		t.Error("nil Len != 0")
	}
	if i, ok := l.Lookup("rust"); !ok || i != 1 {
		t.Errorf("Lookup(rust) = %d, %v", i, ok)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deployment_metadata.json")
	if err := os.WriteFile(path, []byte(`{"class_names":["x","y"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l.Len() != 2 {
		t.Errorf("Len = %d, want 2", l.Len())
	}

	if _, err := Load(filepath.Join(dir, "missing.json")); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file err = %v, want ErrNotFound", err)
	}
}
