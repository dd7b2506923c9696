package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/taskpilot/pkg/schema"
)

// Placeholder namespaces.
const (
	NamespaceRecord = "record"
	NamespaceVars   = "vars"
)

// Ref is one {{namespace.name}} occurrence in a param value.
type Ref struct {
	Namespace string
	Name      string
	Raw       string
}

// Placeholder renders the token for a namespace and name.
func Placeholder(namespace, name string) string {
	return "{{" + namespace + "." + name + "}}"
}

// References returns every placeholder in s in order of appearance.
func References(s string) ([]Ref, error) {
	var refs []Ref
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			break
		}
		start := i + idx + 2
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unclosed {{ in %q", s)
		}
		end += start

		body := strings.TrimSpace(s[start:end])
		if strings.Contains(body, "{{") {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "nested placeholder in %q", s)
		}
		ns, name, ok := strings.Cut(body, ".")
		if !ok || name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid placeholder {{%s}}: expected record.<field> or vars.<name>", body)
		}
		if ns != NamespaceRecord && ns != NamespaceVars {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown namespace %q in {{%s}}; available: record, vars", ns, body).
				WithDetails(map[string]any{"placeholder": body})
		}
		refs = append(refs, Ref{Namespace: ns, Name: name, Raw: s[i+idx : end+2]})
		i = end + 2
	}
	return refs, nil
}

// RecordFields returns the sorted set of record fields referenced by params.
// Malformed placeholders are ignored; the validator reports them separately.
func RecordFields(params map[string]string) []string {
	seen := map[string]bool{}
	for _, v := range params {
		refs, _ := References(v)
		for _, r := range refs {
			if r.Namespace == NamespaceRecord {
				seen[r.Name] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// BindParams rewrites every binding placeholder found in params into the
// record placeholder of its field, so Interpolate resolves it from the
// record being processed. Bound values are never rescanned for placeholders.
func BindParams(params, bindings map[string]string) map[string]string {
	if len(bindings) == 0 || len(params) == 0 {
		return params
	}
	fields := make([]string, 0, len(bindings))
	for f, ph := range bindings {
		if ph != "" {
			fields = append(fields, f)
		}
	}
	// Longest placeholder first: the replacer tries pairs in argument order.
	sort.Slice(fields, func(i, j int) bool {
		a, b := bindings[fields[i]], bindings[fields[j]]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return fields[i] < fields[j]
	})
	pairs := make([]string, 0, 2*len(fields))
	for _, f := range fields {
		pairs = append(pairs, bindings[f], Placeholder(NamespaceRecord, f))
	}
	r := strings.NewReplacer(pairs...)

	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = r.Replace(v)
	}
	return out
}

// Interpolate replaces every placeholder in s using the scope. A reference to
// a record field or var the scope lacks is a validation_failed error naming it.
func Interpolate(s string, scope *Scope) (string, error) {
	refs, err := References(s)
	if err != nil {
		return "", err
	}
	if len(refs) == 0 {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	rest := s
	for _, r := range refs {
		idx := strings.Index(rest, r.Raw)
		b.WriteString(rest[:idx])

		val, err := resolveRef(r, scope)
		if err != nil {
			return "", err
		}
		b.WriteString(val)
		rest = rest[idx+len(r.Raw):]
	}
	b.WriteString(rest)
	return b.String(), nil
}

// InterpolateParams resolves every param value. Keys are visited in sorted
// order so the first reported missing input is deterministic.
func InterpolateParams(params map[string]string, scope *Scope) (map[string]string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(params))
	for _, k := range keys {
		v, err := Interpolate(params[k], scope)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func resolveRef(r Ref, scope *Scope) (string, error) {
	switch r.Namespace {
	case NamespaceRecord:
		if scope != nil {
			if v, ok := scope.Record[r.Name]; ok {
				return v, nil
			}
		}
		return "", missingInput("record field", r.Name)
	default:
		if scope != nil {
			if v, ok := scope.Vars[r.Name]; ok {
				return stringify(v), nil
			}
		}
		return "", missingInput("var", r.Name)
	}
}

func missingInput(kind, name string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeValidation, "missing input: %s %q is not available", kind, name).
		WithDetails(map[string]any{"input": name})
}

// stringify renders a captured value for embedding into a param string.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool, int, int64:
		return fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
