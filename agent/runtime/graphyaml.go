package runtime

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/anthonix/agentrt/agent"
)

// graphFile is the YAML-authorable form of a GraphSpec + its Goal
// (spec.md §3), mirroring itsneelabh-gomind's workflow/orchestration
// config loading convention: agent graphs are authored as data, not Go
// code, and converted into the strongly-typed agent.GraphSpec the
// executor actually runs.
type graphFile struct {
	ID                      string          `yaml:"id"`
	EntryNode               string          `yaml:"entry_node"`
	TerminalNodes           []string        `yaml:"terminal_nodes"`
	ExecutionTimeoutSeconds *float64        `yaml:"execution_timeout_seconds"`
	MaxSteps                int             `yaml:"max_steps"`
	Nodes                   []nodeFile      `yaml:"nodes"`
	Edges                   []edgeFile      `yaml:"edges"`
	Goal                    goalFile        `yaml:"goal"`
}

type nodeFile struct {
	ID           string              `yaml:"id"`
	Name         string              `yaml:"name"`
	Description  string              `yaml:"description"`
	Type         string              `yaml:"type"`
	InputKeys    []string            `yaml:"input_keys"`
	OutputKeys   []string            `yaml:"output_keys"`
	Tools        [][]string          `yaml:"tools"`
	SystemPrompt string              `yaml:"system_prompt"`
	MaxRetries   int                 `yaml:"max_retries"`
	Routes       map[string]string   `yaml:"routes"`
}

type edgeFile struct {
	ID            string            `yaml:"id"`
	Source        string            `yaml:"source"`
	Target        string            `yaml:"target"`
	Condition     string            `yaml:"condition"`
	ConditionExpr string            `yaml:"condition_expr"`
	Priority      int               `yaml:"priority"`
	InputMapping  map[string]string `yaml:"input_mapping"`
}

type goalFile struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	SuccessCriteria []string `yaml:"success_criteria"`
	Constraints     []string `yaml:"constraints"`
}

// LoadGraphFile reads and validates a GraphSpec + Goal from a YAML file.
func LoadGraphFile(path string) (*agent.GraphSpec, agent.Goal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, agent.Goal{}, fmt.Errorf("runtime: read graph file %s: %w", path, err)
	}
	var gf graphFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, agent.Goal{}, fmt.Errorf("runtime: parse graph file %s: %w", path, err)
	}

	graph := &agent.GraphSpec{
		ID:                      gf.ID,
		GoalID:                  gf.Goal.ID,
		EntryNode:               gf.EntryNode,
		TerminalNodes:           gf.TerminalNodes,
		ExecutionTimeoutSeconds: gf.ExecutionTimeoutSeconds,
		MaxSteps:                gf.MaxSteps,
	}
	for _, n := range gf.Nodes {
		graph.Nodes = append(graph.Nodes, agent.NodeSpec{
			ID:           n.ID,
			Name:         n.Name,
			Description:  n.Description,
			Type:         agent.NodeType(n.Type),
			InputKeys:    n.InputKeys,
			OutputKeys:   n.OutputKeys,
			Tools:        n.Tools,
			SystemPrompt: n.SystemPrompt,
			MaxRetries:   n.MaxRetries,
			Routes:       n.Routes,
		})
	}
	for _, e := range gf.Edges {
		graph.Edges = append(graph.Edges, agent.EdgeSpec{
			ID:            e.ID,
			Source:        e.Source,
			Target:        e.Target,
			Condition:     agent.EdgeCondition(e.Condition),
			ConditionExpr: e.ConditionExpr,
			Priority:      e.Priority,
			InputMapping:  e.InputMapping,
		})
	}

	goal := agent.Goal{
		ID:              gf.Goal.ID,
		Name:            gf.Goal.Name,
		Description:     gf.Goal.Description,
		SuccessCriteria: gf.Goal.SuccessCriteria,
		Constraints:     gf.Goal.Constraints,
	}

	if err := graph.Validate(); err != nil {
		return nil, agent.Goal{}, err
	}
	return graph, goal, nil
}
