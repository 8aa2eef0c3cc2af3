// Package schema decodes, validates and caches flow definitions.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Jeffail/gabs/v2"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// ErrInvalidSchema is wrapped by every rejection of a flow document.
var ErrInvalidSchema = errors.New("invalid flow schema")

// ValidationError lists every violation found in one flow document. Each entry is
// qualified by the field path it applies to, e.g. "stages.profile.action.toolName".
type ValidationError struct {
	Slug   string
	Errors []string
}

func (e *ValidationError) Error() string {
	name := e.Slug
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("flow %s: %s: %s", name, ErrInvalidSchema, strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidSchema }

// Decode parses a flow document in JSON or YAML, checks its structure and returns the
// typed definition. It does not check cross-references; see Validate.
func Decode(data []byte) (*models.FlowDefinition, error) {
	raw, err := toJSON(data)
	if err != nil {
		return nil, err
	}
	container, err := gabs.ParseJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if problems := checkStructure(container); len(problems) > 0 {
		slug, _ := container.Path("slug").Data().(string)
		return nil, &ValidationError{Slug: slug, Errors: problems}
	}

	var def models.FlowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return &def, nil
}

// toJSON normalizes a YAML document to JSON; JSON input is returned unchanged.
func toJSON(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidSchema)
	}
	if trimmed[0] == '{' {
		return trimmed, nil
	}
	var doc any
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return out, nil
}
