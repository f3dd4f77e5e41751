// Package querytemplate parses search query templates, checks that their
// {{placeholders}} refer to declared parameters and binds request payloads
// into them.
//
// Placeholders are recognised inside JSON string values only. A string that
// consists of exactly one placeholder is replaced by the raw payload value so
// numbers, booleans, arrays and objects keep their JSON type; placeholders
// embedded in a longer string are substituted textually.
package querytemplate

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"request-network/internal/apperrors"
	"request-network/internal/models"
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
	wholePattern       = regexp.MustCompile(`^\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}$`)
)

// node is one JSON string value in the template with its sjson path.
type node struct {
	path  string
	value string
}

// Placeholders returns the sorted, de-duplicated placeholder names used in
// template.
func Placeholders(template []byte) ([]string, error) {
	nodes, err := stringNodes(template)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, n := range nodes {
		for _, m := range placeholderPattern.FindAllStringSubmatch(n.value, -1) {
			seen[m[1]] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Validate rejects templates that are not JSON objects or that reference a
// placeholder not declared in params.
func Validate(template []byte, params []models.RequestTypeParameter) error {
	names, err := Placeholders(template)
	if err != nil {
		return err
	}

	declared := make(map[string]struct{}, len(params))
	for _, p := range params {
		declared[p.Name] = struct{}{}
	}

	var undeclared []string
	for _, name := range names {
		if _, ok := declared[name]; !ok {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		e := apperrors.Validation("undeclared_placeholder",
			fmt.Sprintf("query template references undeclared parameters: %s", strings.Join(undeclared, ", ")))
		e.Details = map[string]interface{}{"placeholders": undeclared}
		return e
	}
	return nil
}

// Render binds payload values into template and returns the resulting query
// document.
func Render(template, payload []byte) ([]byte, error) {
	nodes, err := stringNodes(template)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	out := append([]byte(nil), template...)
	for _, n := range nodes {
		if !strings.Contains(n.value, "{{") {
			continue
		}

		if m := wholePattern.FindStringSubmatch(n.value); m != nil {
			v := gjson.GetBytes(payload, escapeKey(m[1]))
			if !v.Exists() {
				return nil, missing(m[1])
			}
			if out, err = sjson.SetRawBytes(out, n.path, []byte(v.Raw)); err != nil {
				return nil, fmt.Errorf("bind %s: %w", m[1], err)
			}
			continue
		}

		var bindErr error
		replaced := placeholderPattern.ReplaceAllStringFunc(n.value, func(match string) string {
			name := placeholderPattern.FindStringSubmatch(match)[1]
			v := gjson.GetBytes(payload, escapeKey(name))
			if !v.Exists() {
				if bindErr == nil {
					bindErr = missing(name)
				}
				return match
			}
			if v.Type == gjson.String {
				return v.String()
			}
			return v.Raw
		})
		if bindErr != nil {
			return nil, bindErr
		}
		if out, err = sjson.SetBytes(out, n.path, replaced); err != nil {
			return nil, fmt.Errorf("bind %s: %w", n.path, err)
		}
	}
	return out, nil
}

func missing(name string) error {
	e := apperrors.Validation("missing_parameter", fmt.Sprintf("no value for template parameter %q", name))
	e.Details = map[string]interface{}{"parameter": name}
	return e
}

func stringNodes(template []byte) ([]node, error) {
	if !gjson.ValidBytes(template) {
		return nil, apperrors.Validation("invalid_template", "query template is not valid JSON")
	}
	root := gjson.ParseBytes(template)
	if !root.IsObject() {
		return nil, apperrors.Validation("invalid_template", "query template must be a JSON object")
	}

	var nodes []node
	var walkErr error
	var walk func(prefix string, r gjson.Result)
	walk = func(prefix string, r gjson.Result) {
		isArray := r.IsArray()
		idx := 0
		r.ForEach(func(key, value gjson.Result) bool {
			var seg string
			if isArray {
				seg = strconv.Itoa(idx)
				idx++
			} else {
				if strings.Contains(key.String(), "{{") {
					walkErr = apperrors.Validation("placeholder_in_key",
						fmt.Sprintf("placeholders are not allowed in object keys (%q)", key.String()))
					return false
				}
				seg = escapeKey(key.String())
			}
			path := seg
			if prefix != "" {
				path = prefix + "." + seg
			}

			switch {
			case value.IsObject(), value.IsArray():
				walk(path, value)
			case value.Type == gjson.String:
				nodes = append(nodes, node{path: path, value: value.String()})
			}
			return walkErr == nil
		})
	}
	walk("", root)
	if walkErr != nil {
		return nil, walkErr
	}
	return nodes, nil
}

// escapeKey escapes characters that gjson/sjson treat as path syntax.
func escapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
