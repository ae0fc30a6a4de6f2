// Package schema checks an event payload against a plan's event binding by
// compiling the binding into a JSON Schema document.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"tracking-catalog/internal/model"
)

const draft = "https://json-schema.org/draft/2020-12/schema"

var printer = message.NewPrinter(language.English)

// ErrInvalidSchema means the stored validation keywords of an event or one of
// its properties do not form a valid JSON Schema.
var ErrInvalidSchema = errors.New("invalid validation schema")

// Payload is an analytics call to check against a plan.
type Payload struct {
	Event      EventKey       `json:"event" binding:"required"`
	Properties map[string]any `json:"properties"`
}

type EventKey struct {
	Name string          `json:"name"`
	Type model.EventType `json:"type" binding:"required,oneof=track identify alias screen page"`
}

type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ForBinding renders the JSON Schema for one populated event binding.
// Bindings whose property was deleted are skipped.
func ForBinding(b model.PopulatedEventBinding) map[string]any {
	doc := map[string]any{}
	if b.Event != nil {
		for k, v := range b.Event.Validation {
			doc[k] = v
		}
	}
	props := map[string]any{}
	required := []string{}
	for _, pb := range b.Properties {
		if pb.Property == nil {
			continue
		}
		ps := map[string]any{}
		for k, v := range pb.Property.Validation {
			ps[k] = v
		}
		ps["type"] = string(pb.Property.Type)
		props[pb.Property.Name] = ps
		if pb.Required {
			required = append(required, pb.Property.Name)
		}
	}
	doc["$schema"] = draft
	doc["type"] = "object"
	doc["properties"] = props
	doc["additionalProperties"] = b.AdditionalProperties
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// Find returns the plan's binding for the payload's event, if any.
func Find(plan *model.PopulatedPlan, key EventKey) (model.PopulatedEventBinding, bool) {
	for _, b := range plan.Events {
		if b.Event != nil && b.Event.Type == key.Type && b.Event.Name == key.Name {
			return b, true
		}
	}
	return model.PopulatedEventBinding{}, false
}

// Check validates p against plan. A malformed stored validation document is
// returned as ErrInvalidSchema; payload violations are reported in the Result.
func Check(plan *model.PopulatedPlan, p Payload) (Result, error) {
	binding, ok := Find(plan, p.Event)
	if !ok {
		return Result{Errors: []string{notBound(p.Event)}}, nil
	}

	sch, err := compile(plan.Ref, ForBinding(binding))
	if err != nil {
		return Result{}, err
	}
	inst, err := normalize(p.Properties)
	if err != nil {
		return Result{}, err
	}

	err = sch.Validate(inst)
	if err == nil {
		return Result{Valid: true, Errors: []string{}}, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return Result{}, err
	}
	msgs := leafMessages(ve, nil)
	sort.Strings(msgs)
	return Result{Errors: msgs}, nil
}

func notBound(k EventKey) string {
	if k.Name == "" {
		return fmt.Sprintf("%s event is not part of the tracking plan", k.Type)
	}
	return fmt.Sprintf("event %q (%s) is not part of the tracking plan", k.Name, k.Type)
}

func compile(planRef string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	url := "https://tracking-catalog.local/plans/" + planRef + "/binding.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	return sch, nil
}

// normalize round-trips v through JSON so numbers become json.Number the way
// jsonschema expects them.
func normalize(props map[string]any) (any, error) {
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

func leafMessages(ve *jsonschema.ValidationError, out []string) []string {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		return append(out, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(printer)))
	}
	for _, c := range ve.Causes {
		out = leafMessages(c, out)
	}
	return out
}
