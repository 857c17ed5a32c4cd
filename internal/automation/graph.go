// Package automation executes operator-defined workflows: directed graphs of typed
// nodes with templated configuration and conditional edges. Runs are triggered
// manually, on a schedule, or by pipeline events.
package automation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scamhunter/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NodeType names a node handler. The set is closed; see AllNodeTypes.
type NodeType string

const (
	NodeStart            NodeType = "start"
	NodeCondition        NodeType = "condition"
	NodeSwitch           NodeType = "switch"
	NodeSetVar           NodeType = "set_var"
	NodeQueueScan        NodeType = "queue_scan"
	NodeSpider           NodeType = "spider"
	NodePivotCrtsh       NodeType = "pivot_crtsh"
	NodePivotDomainsDB   NodeType = "pivot_domainsdb"
	NodePivotBlockcypher NodeType = "pivot_blockcypher"
	NodePivotHolehe      NodeType = "pivot_holehe"
	NodeNormalize        NodeType = "normalize"
	NodeDedupe           NodeType = "dedupe"
	NodeFilterRegex      NodeType = "filter_regex"
	NodeSelectIndicators NodeType = "select_indicators"
	NodeExtractDomains   NodeType = "extract_domains"
	NodeSaveIOCs         NodeType = "save_iocs"
	NodeWebhook          NodeType = "webhook"
)

// AllNodeTypes lists every known node type.
var AllNodeTypes = []NodeType{
	NodeStart, NodeCondition, NodeSwitch, NodeSetVar,
	NodeQueueScan, NodeSpider,
	NodePivotCrtsh, NodePivotDomainsDB, NodePivotBlockcypher, NodePivotHolehe,
	NodeNormalize, NodeDedupe, NodeFilterRegex, NodeSelectIndicators, NodeExtractDomains,
	NodeSaveIOCs, NodeWebhook,
}

// Known reports whether t is one of AllNodeTypes.
func (t NodeType) Known() bool {
	for _, k := range AllNodeTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Graph is an automation workflow.
type Graph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// Node is one step. Config values may contain {{path}} templates.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   NodeType       `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge connects two nodes. An empty condition means "always".
type Edge struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// ParseGraph converts the stored JSON form of a graph. A nil map is an empty graph.
func ParseGraph(m map[string]any) (Graph, error) {
	var g Graph
	if len(m) == 0 {
		return g, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return g, fmt.Errorf("failed to encode graph: %w", err)
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return g, fmt.Errorf("failed to decode graph: %w", err)
	}
	return g, nil
}

// Map returns the graph in its stored JSON form.
func (g Graph) Map() (map[string]any, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	return m, nil
}

// Validate rejects graphs that cannot be imported: missing or duplicate node ids,
// unknown node types and edges to unknown nodes. The executor itself tolerates
// all of these; validation only guards import.
func (g Graph) Validate() error {
	ids := make(map[string]struct{}, len(g.Nodes))
	for i, n := range g.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("node %d has no id", i)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		if !n.Type.Known() {
			return fmt.Errorf("node %q has unknown type %q", n.ID, n.Type)
		}
		ids[n.ID] = struct{}{}
	}
	for _, e := range g.Edges {
		if _, ok := ids[e.From]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.From)
		}
		if _, ok := ids[e.To]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.To)
		}
	}
	return nil
}

// Definition is an importable automation document.
type Definition struct {
	Name          string         `json:"name" yaml:"name"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	TriggerType   string         `json:"trigger_type" yaml:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty" yaml:"trigger_config,omitempty"`
	Graph         Graph          `json:"graph" yaml:"graph"`
}

// DecodeDefinition reads a definition in YAML or JSON (YAML being a superset).
func DecodeDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("failed to parse automation definition: %w", err)
	}
	if strings.TrimSpace(def.Name) == "" {
		return def, fmt.Errorf("automation definition has no name")
	}
	if def.TriggerType == "" {
		def.TriggerType = store.TriggerManual
	}
	// yaml.v3 leaves nested mappings as map[string]any, but scalars keep YAML
	// types. A JSON round trip gives configs the same shape as stored graphs.
	m, err := def.Graph.Map()
	if err != nil {
		return def, err
	}
	if def.Graph, err = ParseGraph(m); err != nil {
		return def, err
	}
	if err := def.Graph.Validate(); err != nil {
		return def, fmt.Errorf("invalid automation graph: %w", err)
	}
	return def, nil
}

// LoadDefinitionFile reads a .yaml, .yml or .json definition from disk.
func LoadDefinitionFile(path string) (Definition, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return Definition{}, fmt.Errorf("unsupported definition format %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("failed to read automation definition: %w", err)
	}
	return DecodeDefinition(data)
}

// Automation converts the definition into a storable row. Enabled defaults to true.
func (d Definition) Automation() (store.Automation, error) {
	graph, err := d.Graph.Map()
	if err != nil {
		return store.Automation{}, err
	}
	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}
	trigger := d.TriggerConfig
	if trigger == nil {
		trigger = map[string]any{}
	}
	return store.Automation{
		Name:          strings.TrimSpace(d.Name),
		Description:   d.Description,
		Enabled:       enabled,
		TriggerType:   d.TriggerType,
		TriggerConfig: trigger,
		Graph:         graph,
	}, nil
}
