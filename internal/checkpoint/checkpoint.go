package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/23skdu/plantvit/internal/tensor"
)

// Format identifies the container a checkpoint was read from.
type Format string

const (
	FormatSafetensors Format = "safetensors"
	FormatPyTorch     Format = "pytorch"
)

// ConfigSource records where the architecture of a checkpoint came from.
type ConfigSource string

const (
	ConfigFromModelConfig ConfigSource = "model_config"
	ConfigFromConfig      ConfigSource = "config"
	ConfigInferred        ConfigSource = "inferred"
)

const configMetadataKey = "model_config"

// Checkpoint is a decoded checkpoint file. Config is nil when the file
// carries no architecture description.
type Checkpoint struct {
	Path         string
	Format       Format
	StateDict    map[string]*tensor.Tensor
	Config       map[string]any
	ConfigSource ConfigSource
	// Extra holds top-level scalar entries such as epoch or best accuracy.
	Extra map[string]any
}

// Keys returns the state-dict keys in sorted order.
func (c *Checkpoint) Keys() []string {
	keys := make([]string, 0, len(c.StateDict))
	for k := range c.StateDict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Open reads a checkpoint. Files ending in .safetensors are memory mapped;
// anything else is treated as a torch.save archive.
func Open(path string) (*Checkpoint, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".safetensors") {
		return openSafetensors(path)
	}
	top, err := loadPyTorch(path)
	if err != nil {
		return nil, err
	}
	ck, err := fromTopLevel(top)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	ck.Path = path
	ck.Format = FormatPyTorch
	return ck, nil
}

func openSafetensors(path string) (*Checkpoint, error) {
	f, err := OpenSafetensors(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sd, err := f.StateDict()
	if err != nil {
		return nil, err
	}
	ck := &Checkpoint{
		Path:         path,
		Format:       FormatSafetensors,
		StateDict:    sd,
		ConfigSource: ConfigInferred,
		Extra:        map[string]any{},
	}
	for k, v := range f.Metadata {
		if k == configMetadataKey {
			continue
		}
		ck.Extra[k] = v
	}
	if raw, ok := f.Metadata[configMetadataKey]; ok {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var cm map[string]any
		if err := dec.Decode(&cm); err != nil {
			return nil, ErrInvalidHeader{Reason: "model_config metadata: " + err.Error()}
		}
		ck.Config = cm
		ck.ConfigSource = ConfigFromModelConfig
	}
	return ck, nil
}

// fromTopLevel picks the state dict and config out of a training
// checkpoint. A dict without model_state_dict or state_dict is taken to be
// a bare state dict; model_config or config is honored in either layout.
func fromTopLevel(top map[string]any) (*Checkpoint, error) {
	ck := &Checkpoint{ConfigSource: ConfigInferred, Extra: map[string]any{}}

	var (
		raw     any
		wrapped bool
	)
	for _, key := range []string{"model_state_dict", "state_dict"} {
		if v, ok := top[key]; ok {
			raw, wrapped = v, true
			break
		}
	}
	if !wrapped {
		raw = top
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: state dict is %T", ErrUnsupportedFormat, raw)
	}
	ck.StateDict = make(map[string]*tensor.Tensor, len(m))
	for k, v := range m {
		if t, ok := v.(*tensor.Tensor); ok {
			ck.StateDict[k] = t
		}
	}
	if len(ck.StateDict) == 0 {
		return nil, fmt.Errorf("%w: no tensors in state dict", ErrUnsupportedFormat)
	}

	for _, src := range []ConfigSource{ConfigFromModelConfig, ConfigFromConfig} {
		if cm, ok := top[string(src)].(map[string]any); ok {
			ck.Config = cm
			ck.ConfigSource = src
			break
		}
	}
	for k, v := range top {
		switch v.(type) {
		case int, float64, string, bool:
			ck.Extra[k] = v
		}
	}
	return ck, nil
}
