package labels

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

var ErrNotFound = errors.New("metadata file not found")

// Labels maps classifier indices to class names read from deployment
// metadata.
type Labels struct {
	Names    []string
	Index    map[string]int
	Metadata map[string]any
}

// New builds a label set from names.
func New(names []string) *Labels {
	l := &Labels{
		Names:    append([]string(nil), names...),
		Index:    make(map[string]int, len(names)),
		Metadata: map[string]any{},
	}
	for i, n := range l.Names {
		if _, dup := l.Index[n]; !dup {
			l.Index[n] = i
		}
	}
	return l
}

// Load reads a metadata JSON file. Class names are taken from
// postprocessing.class_names, falling back to a top-level class_names.
func Load(path string) (*Labels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes metadata JSON.
func Parse(data []byte) (*Labels, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var meta map[string]any
	if err := dec.Decode(&meta); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}

	var raw any
	if post, ok := meta["postprocessing"].(map[string]any); ok {
		raw = post["class_names"]
	} else {
		raw = meta["class_names"]
	}

	var names []string
	if raw != nil {
		arr, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("invalid type for class_names: %T", raw)
		}
		names = make([]string, len(arr))
		for i, v := range arr {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("class name %d is not a string", i)
			}
			names[i] = s
		}
	}

	l := New(names)
	l.Metadata = meta
	return l, nil
}

func (l *Labels) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Names)
}

// Name returns the label for idx, or Class_{idx} when the metadata has no
// entry for it. A nil receiver behaves as an empty set.
func (l *Labels) Name(idx int) string {
	if l != nil && idx >= 0 && idx < len(l.Names) {
		return l.Names[idx]
	}
	return fmt.Sprintf("Class_%d", idx)
}

// Lookup returns the index of name.
func (l *Labels) Lookup(name string) (int, bool) {
	if l == nil {
		return 0, false
	}
	i, ok := l.Index[name]
	return i, ok
}
