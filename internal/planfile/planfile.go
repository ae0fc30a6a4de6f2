// Package planfile reads declarative tracking plans from YAML.
//
//	plans:
//	  - name: Web
//	    events:
//	      - name: Purchase
//	        type: track
//	        properties:
//	          - {name: amount, type: number, required: true}
package planfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"tracking-catalog/internal/catalog"
	"tracking-catalog/internal/model"
)

type file struct {
	Plans []catalog.PlanDefinition `yaml:"plans"`
}

var validate = newValidator()

// newValidator reads the same `binding` tags gin uses for request bodies.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName("binding")
	return v
}

// Load reads and validates the plan file at path.
func Load(path string) ([]catalog.PlanDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plans, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plans, nil
}

func Parse(r io.Reader) ([]catalog.PlanDefinition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("plan file is empty")
		}
		return nil, err
	}
	if len(f.Plans) == 0 {
		return nil, errors.New("plan file has no plans")
	}

	seen := map[string]struct{}{}
	for i, p := range f.Plans {
		if len(p.Name) < model.MinNameLen || len(p.Name) > model.MaxNameLen {
			return nil, fmt.Errorf("plans[%d]: name must be %d-%d characters", i, model.MinNameLen, model.MaxNameLen)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("plans[%d]: duplicate plan %q", i, p.Name)
		}
		seen[p.Name] = struct{}{}
		for j, spec := range p.Events {
			if err := validate.Struct(spec); err != nil {
				return nil, fmt.Errorf("plans[%d].events[%d]: %w", i, j, err)
			}
			if err := model.ValidateEventName(spec.Name, spec.Type); err != nil {
				return nil, fmt.Errorf("plans[%d].events[%d]: %w", i, j, err)
			}
		}
	}
	return f.Plans, nil
}
