package nn

import (
	"github.com/23skdu/plantvit/internal/tensor"
)

// GlobalAveragePooling averages a (B, N, D) sequence over N.
type GlobalAveragePooling struct {
	Base
}

func NewGlobalAveragePooling() *GlobalAveragePooling {
	return &GlobalAveragePooling{Base: Base{name: "GlobalAveragePooling"}}
}

func (g *GlobalAveragePooling) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	g.trace("input", x)
	return tensor.MeanTokens(x)
}

func (g *GlobalAveragePooling) Params(string) []Param { return nil }

func (g *GlobalAveragePooling) Config() map[string]any {
	return map[string]any{"class": "GlobalAveragePooling", "pooling_dim": 1, "parameters": 0}
}

// ClassifierHead projects pooled features to class probabilities.
type ClassifierHead struct {
	Base
	EmbedDim   int
	NumClasses int
	Dropout    float64
	FC         *Linear
}

func NewClassifierHead(init *Initializer, embedDim, numClasses int, dropout float64) (*ClassifierHead, error) {
	if embedDim <= 0 || numClasses <= 0 {
		return nil, invalid("classifier", "embed_dim=%d num_classes=%d must be positive", embedDim, numClasses)
	}
	if dropout < 0 || dropout >= 1 {
		return nil, invalid("classifier", "dropout must be in [0, 1), got %g", dropout)
	}
	return &ClassifierHead{
		Base:       Base{name: "ClassifierHead"},
		EmbedDim:   embedDim,
		NumClasses: numClasses,
		Dropout:    dropout,
		FC:         NewLinear(init.orDefault(), embedDim, numClasses, true),
	}, nil
}

// Logits returns the pre-softmax scores (B, num_classes).
func (c *ClassifierHead) Logits(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.ExpectRank("classifier", x, 2); err != nil {
		return nil, err
	}
	return c.FC.Forward(x)
}

// Forward returns a softmax distribution per row.
func (c *ClassifierHead) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	logits, err := c.Logits(x)
	if err != nil {
		return nil, err
	}
	c.trace("logits", logits)
	tensor.SoftmaxRows(logits.Data(), c.NumClasses)
	return logits, nil
}

func (c *ClassifierHead) Params(prefix string) []Param {
	return c.FC.Params(join(prefix, "fc"))
}

func (c *ClassifierHead) Config() map[string]any {
	return map[string]any{
		"class":       "ClassifierHead",
		"embed_dim":   c.EmbedDim,
		"num_classes": c.NumClasses,
		"dropout":     c.Dropout,
	}
}

// CombinedClassifier fuses pooling and the head.
type CombinedClassifier struct {
	GAP  *GlobalAveragePooling
	Head *ClassifierHead
}

func NewCombinedClassifier(init *Initializer, embedDim, numClasses int, dropout float64) (*CombinedClassifier, error) {
	head, err := NewClassifierHead(init, embedDim, numClasses, dropout)
	if err != nil {
		return nil, err
	}
	return &CombinedClassifier{GAP: NewGlobalAveragePooling(), Head: head}, nil
}

func (c *CombinedClassifier) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	pooled, err := c.GAP.Forward(x)
	if err != nil {
		return nil, err
	}
	return c.Head.Forward(pooled)
}

func (c *CombinedClassifier) Logits(x *tensor.Tensor) (*tensor.Tensor, error) {
	pooled, err := c.GAP.Forward(x)
	if err != nil {
		return nil, err
	}
	return c.Head.Logits(pooled)
}

func (c *CombinedClassifier) Params(prefix string) []Param {
	return c.Head.Params(join(prefix, "head"))
}

func (c *CombinedClassifier) Config() map[string]any {
	return map[string]any{
		"class":       "CombinedClassifier",
		"embed_dim":   c.Head.EmbedDim,
		"num_classes": c.Head.NumClasses,
		"gap_config":  c.GAP.Config(),
		"head_config": c.Head.Config(),
	}
}
