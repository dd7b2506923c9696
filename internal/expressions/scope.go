package expressions

// Scope holds the data visible to one step: its record, the vars captured so
// far, its resolved params and, once observed, the evidence.
type Scope struct {
	Record   map[string]string
	Vars     map[string]any
	Params   map[string]string
	Evidence map[string]any
}

// Data converts the scope into the variable map handed to engines.
func (s *Scope) Data() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return map[string]any{
		"record":   stringMap(s.Record),
		"vars":     copyMap(s.Vars),
		"params":   stringMap(s.Params),
		"evidence": copyMap(s.Evidence),
	}
}

// WithEvidence returns a copy of the scope carrying the given evidence.
func (s *Scope) WithEvidence(evidence map[string]any) *Scope {
	cp := *s
	cp.Evidence = evidence
	return &cp
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
