// Package capability parses worker capability documents (the object_info
// surface) and maintains the merged cross-worker model and feature
// registries.
package capability

import (
	"encoding/json"
	"fmt"
)

// NodeInfo is one graph-node-class entry in a capability document.
type NodeInfo struct {
	Category string    `json:"category"`
	Input    NodeInput `json:"input"`
}

// NodeInput holds the node's declared input schema.
type NodeInput struct {
	Required map[string]json.RawMessage `json:"required"`
}

// Document is a worker's parsed capability document: graph-node-class name
// to its schema.
type Document map[string]NodeInfo

// ParseDocument decodes an object_info payload. A payload carrying an
// "error" field is a worker-reported failure.
func ParseDocument(raw []byte) (Document, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("parse capability document: %w", err)
	}
	if errTok, ok := probe["error"]; ok {
		return nil, fmt.Errorf("worker reported error: %s", errTok)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse capability document: %w", err)
	}
	return doc, nil
}

// EnumOptions returns the option list of a node class's required enum
// parameter. Enum parameters are encoded as an array whose first element is
// the list of permitted values.
func (d Document) EnumOptions(nodeClass, param string) []string {
	node, ok := d[nodeClass]
	if !ok {
		return nil
	}
	raw, ok := node.Input.Required[param]
	if !ok {
		return nil
	}
	var spec []json.RawMessage
	if err := json.Unmarshal(raw, &spec); err != nil || len(spec) == 0 {
		return nil
	}
	var options []string
	if err := json.Unmarshal(spec[0], &options); err != nil {
		return nil
	}
	return options
}
