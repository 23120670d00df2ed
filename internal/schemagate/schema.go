package schemagate

// fieldSpec describes one expected top-level field of a boundary payload.
// Nested validation stays shallow on purpose: the gate's job is shape
// checking at a boundary, not full structural validation of a ticket.
type fieldSpec struct {
	name     string
	required bool
	kind     string // "string", "map", "slice", "bool"
}

var schemas = map[Boundary][]fieldSpec{
	BoundaryTicketCreate: {
		{name: "type", required: true, kind: "string"},
		{name: "content", required: false, kind: "string"},
		{name: "features", required: false, kind: "map"},
	},
	BoundaryTicketComplete: {
		{name: "outputs", required: true, kind: "map"},
		{name: "by", required: false, kind: "string"},
	},
	BoundaryTicketDerive: {
		{name: "kind", required: true, kind: "string"},
		{name: "flow_id", required: true, kind: "string"},
		{name: "metadata", required: true, kind: "map"},
	},
}

// knownFields tracks, per boundary, which top-level keys are recognized;
// anything else surfaces as an unknown_field warning.
func knownFields(boundary Boundary) map[string]bool {
	specs, ok := schemas[boundary]
	known := make(map[string]bool, len(specs))
	if !ok {
		return known
	}
	for _, s := range specs {
		known[s.name] = true
	}
	return known
}

func validateSchema(boundary Boundary, payload map[string]any) []ValidationError {
	specs, ok := schemas[boundary]
	if !ok {
		return []ValidationError{{Field: "", Class: ClassSchemaInvalid, Msg: "no schema registered for boundary"}}
	}

	var errs []ValidationError
	for _, spec := range specs {
		v, present := payload[spec.name]
		if !present {
			if spec.required {
				errs = append(errs, ValidationError{Field: spec.name, Class: ClassMissing, Msg: "required field missing"})
			}
			continue
		}
		if !matchesKind(v, spec.kind) {
			errs = append(errs, ValidationError{Field: spec.name, Class: ClassTypeMismatch, Msg: "field has unexpected type"})
		}
	}

	known := knownFields(boundary)
	for k := range payload {
		if !known[k] {
			errs = append(errs, ValidationError{Field: k, Class: ClassUnknownField, Msg: "unrecognized field"})
		}
	}

	return errs
}

func matchesKind(v any, kind string) bool {
	switch kind {
	case "string":
		_, ok := v.(string)
		return ok
	case "map":
		_, ok := v.(map[string]any)
		return ok
	case "slice":
		_, ok := v.([]any)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}
