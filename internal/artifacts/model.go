package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TreeModel is a gradient-boosted tree ensemble exported as a JSON tree dump
// (one nested node object per tree, as written by xgboost's get_dump(dump_format="json")).
type TreeModel struct {
	Objective  string
	BaseMargin float64
	Trees      []Tree
}

// Tree is a flattened decision tree indexed by node id.
type Tree struct {
	Nodes []Node
}

// Node is either a leaf or a split "x[Feature] < Threshold ? Yes : No".
type Node struct {
	Leaf      bool
	Value     float64
	Feature   int
	Threshold float64
	Yes       int
	No        int
	Missing   int
}

type modelFile struct {
	Objective string     `json:"objective"`
	BaseScore *float64   `json:"base_score"`
	Trees     []treeNode `json:"trees"`
}

type treeNode struct {
	NodeID         int        `json:"nodeid"`
	Split          string     `json:"split"`
	SplitCondition float64    `json:"split_condition"`
	Yes            int        `json:"yes"`
	No             int        `json:"no"`
	Missing        *int       `json:"missing"`
	Leaf           *float64   `json:"leaf"`
	Children       []treeNode `json:"children"`
}

// ParseTreeModel decodes a model file and resolves split features against featureNames.
// Splits may name a feature directly or by position ("f3").
func ParseTreeModel(raw []byte, featureNames []string) (*TreeModel, error) {
	var file modelFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if len(file.Trees) == 0 {
		return nil, errors.New("model has no trees")
	}

	objective := file.Objective
	if objective == "" {
		objective = "binary:logistic"
	}
	if objective != "binary:logistic" {
		return nil, fmt.Errorf("unsupported objective %q", objective)
	}

	baseScore := 0.5
	if file.BaseScore != nil {
		baseScore = *file.BaseScore
	}
	if baseScore <= 0 || baseScore >= 1 {
		return nil, fmt.Errorf("base_score %v outside (0,1)", baseScore)
	}

	index := make(map[string]int, len(featureNames))
	for i, name := range featureNames {
		index[name] = i
	}

	model := &TreeModel{
		Objective:  objective,
		BaseMargin: math.Log(baseScore / (1 - baseScore)),
		Trees:      make([]Tree, 0, len(file.Trees)),
	}

	for i := range file.Trees {
		tree, err := flatten(&file.Trees[i], index, len(featureNames))
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		model.Trees = append(model.Trees, tree)
	}
	return model, nil
}

func flatten(root *treeNode, index map[string]int, nFeatures int) (Tree, error) {
	byID := map[int]*treeNode{}
	maxID := 0

	var walk func(n *treeNode) error
	walk = func(n *treeNode) error {
		if n.NodeID < 0 {
			return fmt.Errorf("negative node id %d", n.NodeID)
		}
		if _, dup := byID[n.NodeID]; dup {
			return fmt.Errorf("duplicate node id %d", n.NodeID)
		}
		byID[n.NodeID] = n
		if n.NodeID > maxID {
			maxID = n.NodeID
		}
		for i := range n.Children {
			if err := walk(&n.Children[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return Tree{}, err
	}
	if root.NodeID != 0 {
		return Tree{}, fmt.Errorf("root node id is %d, want 0", root.NodeID)
	}

	nodes := make([]Node, maxID+1)
	for id, n := range byID {
		if n.Leaf != nil {
			nodes[id] = Node{Leaf: true, Value: *n.Leaf}
			continue
		}

		feature, err := resolveFeature(n.Split, index, nFeatures)
		if err != nil {
			return Tree{}, fmt.Errorf("node %d: %w", id, err)
		}
		missing := n.Yes
		if n.Missing != nil {
			missing = *n.Missing
		}
		for _, child := range []int{n.Yes, n.No, missing} {
			if _, ok := byID[child]; !ok {
				return Tree{}, fmt.Errorf("node %d references unknown child %d", id, child)
			}
		}
		nodes[id] = Node{
			Feature:   feature,
			Threshold: n.SplitCondition,
			Yes:       n.Yes,
			No:        n.No,
			Missing:   missing,
		}
	}
	return Tree{Nodes: nodes}, nil
}

func resolveFeature(split string, index map[string]int, nFeatures int) (int, error) {
	if i, ok := index[split]; ok {
		return i, nil
	}
	if pos, ok := strings.CutPrefix(split, "f"); ok {
		if i, err := strconv.Atoi(pos); err == nil && i >= 0 && i < nFeatures {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown split feature %q", split)
}
