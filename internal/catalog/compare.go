package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"tracking-catalog/internal/model"
)

// compatibleEvent fails with ErrConflict when a field the caller supplied
// disagrees with the stored event. Omitted fields never conflict.
func compatibleEvent(stored *model.Event, spec model.EventSpec) error {
	if spec.Description != "" && spec.Description != stored.Description {
		return eventMismatch(stored, "description")
	}
	if spec.Validation != nil && !sameJSON(spec.Validation, stored.Validation) {
		return eventMismatch(stored, "validation")
	}
	return nil
}

func compatibleProperty(stored *model.Property, spec model.PropertySpec) error {
	if spec.Description != "" && spec.Description != stored.Description {
		return propertyMismatch(stored, "description")
	}
	if spec.Validation != nil && !sameJSON(spec.Validation, stored.Validation) {
		return propertyMismatch(stored, "validation")
	}
	return nil
}

func eventMismatch(e *model.Event, field string) error {
	if e.Name == "" {
		return fmt.Errorf("%w: %s event already exists with a different %s", ErrConflict, e.Type, field)
	}
	return fmt.Errorf("%w: event %q (%s) already exists with a different %s", ErrConflict, e.Name, e.Type, field)
}

func propertyMismatch(p *model.Property, field string) error {
	return fmt.Errorf("%w: property %q (%s) already exists with a different %s", ErrConflict, p.Name, p.Type, field)
}

// sameJSON compares two documents structurally. encoding/json sorts map keys,
// so equal documents marshal to equal bytes regardless of source (YAML ints, JSON floats).
func sameJSON(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
