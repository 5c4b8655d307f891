// Package definition loads workflow definitions from YAML or JSON documents
// and checks them against the definition schema and the graph rules the
// navigator relies on.
package definition

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/swarmflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var (
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrUnsupportedFormat = errors.New("unsupported definition format")
)

// ValidationError lists every problem found in a definition.
type ValidationError struct {
	DefinitionID string
	Problems     []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow definition %q: %s", e.DefinitionID, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidDefinition
}

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// LoadFile reads a .yaml, .yml or .json definition.
func LoadFile(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".json":
		return ParseJSON(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func ParseYAML(data []byte) (*models.WorkflowDefinition, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML definition: %w", err)
	}

	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to decode YAML definition: %w", err)
	}

	return &def, Validate(&def)
}

func ParseJSON(data []byte) (*models.WorkflowDefinition, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON definition: %w", err)
	}

	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var def models.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to decode JSON definition: %w", err)
	}

	return &def, Validate(&def)
}

func validateSchema(raw map[string]any) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to validate definition schema: %w", err)
	}

	if result.Valid() {
		return nil
	}

	id, _ := raw["id"].(string)
	verr := &ValidationError{DefinitionID: id}

	for _, desc := range result.Errors() {
		verr.Problems = append(verr.Problems, desc.String())
	}

	return verr
}

// Validate checks struct constraints and graph consistency of an already
// decoded definition.
func Validate(def *models.WorkflowDefinition) error {
	verr := &ValidationError{DefinitionID: def.ID}

	if err := validator.New().Struct(def); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				verr.Problems = append(verr.Problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			verr.Problems = append(verr.Problems, err.Error())
		}
	}

	verr.Problems = append(verr.Problems, graphProblems(def)...)

	if len(verr.Problems) > 0 {
		return verr
	}

	return nil
}

func graphProblems(def *models.WorkflowDefinition) []string {
	var problems []string

	nodes := make(map[string]*models.Node, len(def.Nodes))

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if _, dup := nodes[node.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate node id %s", node.ID))
		}

		nodes[node.ID] = node
	}

	incoming := map[string]int{}
	flowIDs := map[string]bool{}

	for _, flow := range def.Flows {
		if flowIDs[flow.ID] {
			problems = append(problems, fmt.Sprintf("duplicate flow id %s", flow.ID))
		}

		flowIDs[flow.ID] = true

		for _, end := range []string{flow.SourceID, flow.TargetID} {
			if _, ok := nodes[end]; !ok {
				problems = append(problems, fmt.Sprintf("flow %s references unknown node %s", flow.ID, end))
			}
		}

		incoming[flow.TargetID]++
	}

	hasStart := false

	for _, node := range def.Nodes {
		if node.AttachedTo != "" {
			if target, ok := nodes[node.AttachedTo]; !ok || !isActivity(target) {
				problems = append(problems, fmt.Sprintf("boundary event %s is attached to %s which is not an activity", node.ID, node.AttachedTo))
			}
		}

		if node.ParentID != "" {
			if parent, ok := nodes[node.ParentID]; !ok || parent.Kind != models.NodeSubprocess {
				problems = append(problems, fmt.Sprintf("node %s has parent %s which is not a subprocess", node.ID, node.ParentID))
			}

			continue
		}

		if node.Kind == models.NodeEvent && node.EventType == models.EventStart {
			hasStart = true
		}

		if node.Kind == models.NodeTask && incoming[node.ID] == 0 {
			hasStart = true
		}
	}

	if !hasStart {
		problems = append(problems, "no start event and no task without incoming flows")
	}

	return problems
}

func isActivity(node *models.Node) bool {
	return node.Kind == models.NodeTask || node.Kind == models.NodeSubprocess || node.Kind == models.NodeMultiInstance
}
