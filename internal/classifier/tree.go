package classifier

import (
	"context"
	"fmt"
	"math"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/artifacts"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/features"
)

// TreeScorer evaluates the bundle's tree ensemble in process.
type TreeScorer struct{}

func NewTreeScorer() *TreeScorer { return &TreeScorer{} }

func (s *TreeScorer) Name() string { return "file" }

func (s *TreeScorer) Score(_ context.Context, b *artifacts.Bundle, v *features.Vector) (float64, *Label, error) {
	if b.Model == nil {
		return 0, nil, apperrors.Fatal("model", apperrors.ErrModelNotLoaded)
	}
	margin, err := Margin(b.Model, v.Values)
	if err != nil {
		return 0, nil, err
	}
	return sigmoid(margin), nil, nil
}

// Margin sums the leaf values reached in every tree plus the base margin.
func Margin(m *artifacts.TreeModel, x []float64) (float64, error) {
	margin := m.BaseMargin
	for i, tree := range m.Trees {
		leaf, err := walk(tree, x)
		if err != nil {
			return 0, fmt.Errorf("tree %d: %w", i, err)
		}
		margin += leaf
	}
	return margin, nil
}

func walk(tree artifacts.Tree, x []float64) (float64, error) {
	id := 0
	for steps := 0; steps <= len(tree.Nodes); steps++ {
		node := tree.Nodes[id]
		if node.Leaf {
			return node.Value, nil
		}
		if node.Feature >= len(x) {
			return 0, fmt.Errorf("split on feature %d, vector has %d", node.Feature, len(x))
		}

		switch value := x[node.Feature]; {
		case math.IsNaN(value):
			id = node.Missing
		case value < node.Threshold:
			id = node.Yes
		default:
			id = node.No
		}
	}
	return 0, fmt.Errorf("no leaf reached after %d steps", len(tree.Nodes))
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
