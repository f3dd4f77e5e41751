package querytemplate

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"request-network/internal/apperrors"
	"request-network/internal/models"
)

// Rules are the optional per-parameter validation rules stored with a
// request type parameter.
type Rules struct {
	Pattern   string        `json:"pattern,omitempty"`
	Format    string        `json:"format,omitempty"`
	MinLength *int          `json:"min_length,omitempty"`
	MaxLength *int          `json:"max_length,omitempty"`
	Minimum   *float64      `json:"minimum,omitempty"`
	Maximum   *float64      `json:"maximum,omitempty"`
	Enum      []interface{} `json:"enum,omitempty"`
	Items     string        `json:"items,omitempty"`
	MinItems  *int          `json:"min_items,omitempty"`
	MaxItems  *int          `json:"max_items,omitempty"`
	Keys      []string      `json:"required_keys,omitempty"`
}

const dateLayout = "2006-01-02"

var validTypes = map[string]bool{
	models.ParamString:  true,
	models.ParamNumber:  true,
	models.ParamInteger: true,
	models.ParamBoolean: true,
	models.ParamArray:   true,
	models.ParamObject:  true,
	models.ParamDate:    true,
}

// IsValidType reports whether t is a supported parameter type.
func IsValidType(t string) bool {
	return validTypes[t]
}

// ParseRules decodes and sanity-checks a stored rule document.
func ParseRules(raw []byte) (Rules, error) {
	var r Rules
	if len(raw) == 0 || string(raw) == "null" {
		return r, nil
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, apperrors.Validation("invalid_rules", fmt.Sprintf("validation rules are malformed: %v", err))
	}
	if r.Pattern != "" {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return r, apperrors.Validation("invalid_rules", fmt.Sprintf("pattern does not compile: %v", err))
		}
	}
	if r.Format != "" && r.Format != "YYYY-MM-DD" {
		return r, apperrors.Validation("invalid_rules", fmt.Sprintf("unsupported format %q", r.Format))
	}
	if r.MinLength != nil && r.MaxLength != nil && *r.MinLength > *r.MaxLength {
		return r, apperrors.Validation("invalid_rules", "min_length is greater than max_length")
	}
	if r.Minimum != nil && r.Maximum != nil && *r.Minimum > *r.Maximum {
		return r, apperrors.Validation("invalid_rules", "minimum is greater than maximum")
	}
	if r.Items != "" && !IsValidType(r.Items) {
		return r, apperrors.Validation("invalid_rules", fmt.Sprintf("unsupported items type %q", r.Items))
	}
	return r, nil
}

// ValidatePayload checks payload against the ordered parameter schema:
// required parameters are present, values have the declared type and shape,
// and every rule holds. Keys that are not declared parameters are rejected.
func ValidatePayload(params []models.RequestTypeParameter, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return apperrors.Validation("invalid_payload", "payload must be a JSON object")
	}

	declared := make(map[string]struct{}, len(params))
	for _, p := range params {
		declared[p.Name] = struct{}{}
	}
	var unknown error
	gjson.ParseBytes(payload).ForEach(func(key, _ gjson.Result) bool {
		if _, ok := declared[key.String()]; !ok {
			unknown = paramError("unknown_parameter", key.String(), "is not a parameter of this request type")
			return false
		}
		return true
	})
	if unknown != nil {
		return unknown
	}

	for _, p := range params {
		v := gjson.GetBytes(payload, escapeKey(p.Name))
		if !v.Exists() || v.Type == gjson.Null {
			if p.Required {
				return paramError("missing_parameter", p.Name, "is required")
			}
			continue
		}
		rules, err := ParseRules(p.Validation)
		if err != nil {
			return err
		}
		if err := checkValue(p.Name, p.Type, rules, v); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(name, typ string, rules Rules, v gjson.Result) error {
	if !matchesType(typ, v) {
		return paramError("invalid_type", name, fmt.Sprintf("must be of type %s", typ))
	}

	switch typ {
	case models.ParamString, models.ParamDate:
		s := v.String()
		n := utf8.RuneCountInString(s)
		if rules.MinLength != nil && n < *rules.MinLength {
			return paramError("too_short", name, fmt.Sprintf("length must be at least %d", *rules.MinLength))
		}
		if rules.MaxLength != nil && n > *rules.MaxLength {
			return paramError("too_long", name, fmt.Sprintf("length must be at most %d", *rules.MaxLength))
		}
		if rules.Pattern != "" && !regexp.MustCompile(rules.Pattern).MatchString(s) {
			return paramError("pattern_mismatch", name, fmt.Sprintf("does not match pattern %s", rules.Pattern))
		}
		if rules.Format == "YYYY-MM-DD" {
			if _, err := time.Parse(dateLayout, s); err != nil {
				return paramError("invalid_format", name, "must be a date in YYYY-MM-DD format")
			}
		}
	case models.ParamNumber, models.ParamInteger:
		f := v.Float()
		if rules.Minimum != nil && f < *rules.Minimum {
			return paramError("below_minimum", name, fmt.Sprintf("must be at least %v", *rules.Minimum))
		}
		if rules.Maximum != nil && f > *rules.Maximum {
			return paramError("above_maximum", name, fmt.Sprintf("must be at most %v", *rules.Maximum))
		}
	case models.ParamArray:
		items := v.Array()
		if rules.MinItems != nil && len(items) < *rules.MinItems {
			return paramError("too_few_items", name, fmt.Sprintf("must contain at least %d items", *rules.MinItems))
		}
		if rules.MaxItems != nil && len(items) > *rules.MaxItems {
			return paramError("too_many_items", name, fmt.Sprintf("must contain at most %d items", *rules.MaxItems))
		}
		if rules.Items != "" {
			for i, item := range items {
				if !matchesType(rules.Items, item) {
					return paramError("invalid_item_type", name, fmt.Sprintf("item %d must be of type %s", i, rules.Items))
				}
			}
		}
	case models.ParamObject:
		for _, k := range rules.Keys {
			if !v.Get(escapeKey(k)).Exists() {
				return paramError("missing_key", name, fmt.Sprintf("must contain key %q", k))
			}
		}
	}

	if len(rules.Enum) > 0 && !inEnum(v.Value(), rules.Enum) {
		return paramError("not_in_enum", name, fmt.Sprintf("must be one of %v", rules.Enum))
	}
	return nil
}

func matchesType(typ string, v gjson.Result) bool {
	switch typ {
	case models.ParamString:
		return v.Type == gjson.String
	case models.ParamDate:
		if v.Type != gjson.String {
			return false
		}
		_, err := time.Parse(dateLayout, v.String())
		return err == nil
	case models.ParamNumber:
		return v.Type == gjson.Number
	case models.ParamInteger:
		return v.Type == gjson.Number && v.Float() == math.Trunc(v.Float())
	case models.ParamBoolean:
		return v.Type == gjson.True || v.Type == gjson.False
	case models.ParamArray:
		return v.IsArray()
	case models.ParamObject:
		return v.IsObject()
	}
	return false
}

func inEnum(value interface{}, enum []interface{}) bool {
	for _, candidate := range enum {
		if reflect.DeepEqual(value, candidate) {
			return true
		}
	}
	return false
}

func paramError(code, name, msg string) error {
	e := apperrors.Validation(code, fmt.Sprintf("parameter %q %s", name, msg))
	e.Details = map[string]interface{}{"parameter": name}
	return e
}
