package checkpoint

import (
	"strings"

	"github.com/23skdu/plantvit/internal/tensor"
)

// legacyKeys mark checkpoints saved before the transformer stage became a
// list of blocks.
var legacyKeys = []string{"lda.alpha", "lda.q_proj.weight", "res_ln.norm.weight", "ffn.fc1.weight"}

var legacyPrefixes = []struct{ from, to string }{
	{"lda.", "transformer_blocks.0.attention."},
	{"res_ln.norm.", "transformer_blocks.0.norm1."},
	{"ffn.", "transformer_blocks.0.ffn."},
}

// IsLegacy reports whether sd uses the single-block layout.
func IsLegacy(sd map[string]*tensor.Tensor) bool {
	for _, k := range legacyKeys {
		if _, ok := sd[k]; ok {
			return true
		}
	}
	return false
}

// ConvertLegacy rewrites single-block keys onto transformer_blocks.0 and
// returns a new map plus the number of rewritten keys. When norm2 is absent
// it is synthesized as a copy of norm1. The input is not modified.
func ConvertLegacy(sd map[string]*tensor.Tensor) (map[string]*tensor.Tensor, int) {
	out := make(map[string]*tensor.Tensor, len(sd)+2)
	renamed := 0
	for k, v := range sd {
		nk := k
		for _, p := range legacyPrefixes {
			if strings.HasPrefix(k, p.from) {
				nk = p.to + strings.TrimPrefix(k, p.from)
				break
			}
		}
		if nk != k {
			renamed++
		}
		out[nk] = v
	}

	const norm1, norm2 = "transformer_blocks.0.norm1.", "transformer_blocks.0.norm2."
	if w, ok := out[norm1+"weight"]; ok {
		if _, has := out[norm2+"weight"]; !has {
			out[norm2+"weight"] = w.Clone()
			if b, ok := out[norm1+"bias"]; ok {
				out[norm2+"bias"] = b.Clone()
			}
		}
	}
	return out, renamed
}
