package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Graph is a worker-executable job graph: node id -> node object. The node
// internals are opaque to the gateway beyond class_type and model-name
// inputs.
type Graph map[string]interface{}

// PreferWorkerKey is the optional top-level hint naming which of a session's
// workers should run the job. It is stripped before forwarding.
const PreferWorkerKey = "gate_prefer"

// modelNameInputs are node input names whose string values are model paths
// and must follow the target worker's path separator convention.
var modelNameInputs = map[string]bool{
	"ckpt_name":        true,
	"vae_name":         true,
	"lora_name":        true,
	"clip_name":        true,
	"control_net_name": true,
	"style_model_name": true,
	"model_path":       true,
	"lora_names":       true,
}

// ParseGraph decodes a job graph.
func ParseGraph(raw []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("parse job graph: %w", err)
	}
	return g, nil
}

// Encode serializes the graph.
func (g Graph) Encode() ([]byte, error) {
	return json.Marshal(map[string]interface{}(g))
}

// NodeCount returns the number of node entries, which drives the progress
// fraction denominator.
func (g Graph) NodeCount() int {
	n := 0
	for key := range g {
		if _, ok := g[key].(map[string]interface{}); ok {
			n++
		}
	}
	return n
}

// NodeClasses returns the sorted distinct class_type values used by the
// graph's nodes.
func (g Graph) NodeClasses() []string {
	seen := map[string]bool{}
	for _, v := range g {
		node, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if ct, ok := node["class_type"].(string); ok && ct != "" {
			seen[ct] = true
		}
	}
	classes := make([]string, 0, len(seen))
	for ct := range seen {
		classes = append(classes, ct)
	}
	sort.Strings(classes)
	return classes
}

// TakePreferredWorker reads and strips the worker-preference hint.
func (g Graph) TakePreferredWorker() (int, bool) {
	v, ok := g[PreferWorkerKey]
	if !ok {
		return 0, false
	}
	delete(g, PreferWorkerKey)
	n, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(n), true
}

// RewriteModelPaths flips path separators on model-name inputs to the given
// convention ("/" or "\").
func (g Graph) RewriteModelPaths(separator string) {
	backslash := separator == "\\"
	for _, v := range g {
		node, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		inputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			continue
		}
		for name, val := range inputs {
			if !modelNameInputs[name] {
				continue
			}
			s, ok := val.(string)
			if !ok {
				continue
			}
			if backslash {
				inputs[name] = strings.ReplaceAll(s, "/", "\\")
			} else {
				inputs[name] = strings.ReplaceAll(s, "\\", "/")
			}
		}
	}
}
