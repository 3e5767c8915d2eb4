package nn

import (
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/plantvit/internal/tensor"
)

var activations = map[string]tensor.Activation{
	"relu":     tensor.ReLU,
	"relu6":    tensor.ReLU6,
	"gelu":     tensor.GELU,
	"silu":     tensor.SiLU,
	"swish":    tensor.SiLU,
	"none":     tensor.Identity,
	"identity": tensor.Identity,
	"hswish":   tensor.HSwish,
	"hsigmoid": tensor.HSigmoid,
}

// ActivationByName resolves a case-insensitive activation name.
func ActivationByName(name string) (tensor.Activation, error) {
	if fn, ok := activations[strings.ToLower(name)]; ok {
		return fn, nil
	}
	names := make([]string, 0, len(activations))
	for k := range activations {
		names = append(names, k)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("unknown activation: %s (available: %s)", name, strings.Join(names, ", "))
}
