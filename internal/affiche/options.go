package affiche

import (
	"fmt"
	"strconv"
	"strings"

	"galerie/internal/config"
	"galerie/internal/fielderr"
)

// CoerceOptions turns form-submitted option values into their declared
// types. Undeclared keys are rejected; absent keys take the declared
// default. Enum declarations additionally restrict the value set.
func CoerceOptions(decls map[string]config.OptionDecl, form map[string]string) (map[string]any, error) {
	errs := fielderr.Errors{}
	out := make(map[string]any, len(decls))

	for key := range form {
		if _, ok := decls[key]; !ok {
			errs.Add(key, "unknown option")
		}
	}

	for key, decl := range decls {
		raw, present := form[key]
		if !present {
			out[key] = decl.Default
			continue
		}
		value, err := coerceValue(decl.Type, raw)
		if err != nil {
			errs.Add(key, "%v", err)
			continue
		}
		if len(decl.Enum) > 0 && !enumAllows(decl.Enum, value) {
			errs.Add(key, "value %q is not one of the allowed choices", raw)
			continue
		}
		out[key] = value
	}

	if err := errs.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

func coerceValue(declType, raw string) (any, error) {
	switch declType {
	case "integer":
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		return n, nil
	case "number":
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return f, nil
	case "boolean":
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "on", "1", "yes":
			return true, nil
		case "false", "off", "0", "no", "":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", raw)
	default:
		return raw, nil
	}
}

// enumAllows compares loosely: JSON-decoded enums hold float64 for
// numbers, while coercion produces int64 for integer declarations.
func enumAllows(enum []any, value any) bool {
	for _, allowed := range enum {
		if allowed == value {
			return true
		}
		af, aok := asFloat(allowed)
		vf, vok := asFloat(value)
		if aok && vok && af == vf {
			return true
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// OptionsSchema renders the option declarations as a JSON schema
// document for clients that build forms dynamically.
func OptionsSchema(decls map[string]config.OptionDecl) map[string]any {
	props := make(map[string]any, len(decls))
	for key, decl := range decls {
		prop := map[string]any{
			"type":  decl.Type,
			"title": decl.DisplayName,
		}
		if decl.Default != nil {
			prop["default"] = decl.Default
		}
		if len(decl.Enum) > 0 {
			prop["enum"] = decl.Enum
		}
		if decl.Placeholder != "" {
			prop["placeholder"] = decl.Placeholder
		}
		props[key] = prop
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
}

// OptionDefaults returns the declared default value per option.
func OptionDefaults(decls map[string]config.OptionDecl) map[string]any {
	out := make(map[string]any, len(decls))
	for key, decl := range decls {
		out[key] = decl.Default
	}
	return out
}
