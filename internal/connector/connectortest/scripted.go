// Package connectortest provides a scriptable in-memory connector for tests.
package connectortest

import (
	"context"
	"strings"
	"sync"

	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/internal/logging"
)

// Operation names used in rules and the call log.
const (
	OpNavigate  = "navigate"
	OpFill      = "fill"
	OpClick     = "click"
	OpObserve   = "observe"
	OpWriteCell = "write_cell"
	OpReadCell  = "read_cell"
	OpFetchCode = "fetch_code"
)

// Call is one recorded connector invocation.
type Call struct {
	RecordKey string
	Op        string
	Target    string
	Value     string
}

// Rule makes matching calls fail. Empty Key or Target match anything.
// Times bounds how often the rule fires; zero means always.
type Rule struct {
	Key    string
	Op     string
	Target string
	Err    error
	Times  int
	fired  int
}

// Scripted is an in-memory target. It behaves like a well-formed page by
// default and fails only where a rule says so.
type Scripted struct {
	mu     sync.Mutex
	values map[string]string
	rules  []*Rule
	calls  []Call
	code   string
	block  chan struct{}
}

// New creates a Scripted connector whose code fetches return code.
func New(code string) *Scripted {
	return &Scripted{values: make(map[string]string), code: code}
}

// Set returns a connector.Set backed by s.
func (s *Scripted) Set() connector.Set {
	return connector.Set{Interactive: s, Cells: s, Codes: s}
}

// Fail adds a failure rule.
func (s *Scripted) Fail(r Rule) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule := r
	s.rules = append(s.rules, &rule)
	return s
}

// BlockActions makes every action call wait until the returned release
// function is called or the context ends.
func (s *Scripted) BlockActions() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Calls returns a copy of the call log.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns the calls made while processing one record.
func (s *Scripted) CallsFor(key string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.RecordKey == key {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many calls of op were made for key.
func (s *Scripted) Count(key, op string) int {
	n := 0
	for _, c := range s.CallsFor(key) {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (s *Scripted) record(ctx context.Context, op, target, value string) error {
	key := logging.RecordKey(ctx)
	s.mu.Lock()
	s.calls = append(s.calls, Call{RecordKey: key, Op: op, Target: target, Value: value})
	block := s.block
	var err error
	for _, r := range s.rules {
		if r.Op != op || (r.Key != "" && r.Key != key) || (r.Target != "" && r.Target != target) {
			continue
		}
		if r.Times > 0 && r.fired >= r.Times {
			continue
		}
		r.fired++
		err = r.Err
		break
	}
	s.mu.Unlock()

	if block != nil && op != OpObserve {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Scripted) slot(ctx context.Context, target string) string {
	return logging.RecordKey(ctx) + "|" + target
}

func (s *Scripted) Navigate(ctx context.Context, url string) (*connector.Evidence, error) {
	if err := s.record(ctx, OpNavigate, url, ""); err != nil {
		return nil, err
	}
	return connector.NewEvidence("scripted", map[string]any{"url": url}), nil
}

func (s *Scripted) Fill(ctx context.Context, target, value string) (*connector.Evidence, error) {
	if err := s.record(ctx, OpFill, target, value); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.values[s.slot(ctx, target)] = value
	s.mu.Unlock()
	return connector.NewEvidence("scripted", map[string]any{"target": target, "value": value}), nil
}

func (s *Scripted) Click(ctx context.Context, target string) (*connector.Evidence, error) {
	if err := s.record(ctx, OpClick, target, ""); err != nil {
		return nil, err
	}
	return connector.NewEvidence("scripted", map[string]any{"target": target}), nil
}

func (s *Scripted) WaitForCondition(ctx context.Context, condition string) (*connector.Evidence, error) {
	if err := s.record(ctx, OpObserve, condition, ""); err != nil {
		return nil, err
	}
	observed := map[string]any{"condition": condition, "visible": true}
	if kind, target, ok := strings.Cut(condition, ":"); ok && (kind == "value" || kind == "cell") {
		s.mu.Lock()
		observed["value"] = s.values[s.slot(ctx, target)]
		s.mu.Unlock()
	}
	return connector.NewEvidence("scripted", observed), nil
}

func (s *Scripted) WriteCell(ctx context.Context, req connector.CellRequest) (*connector.Evidence, error) {
	addr := connector.CellAddress(req)
	if err := s.record(ctx, OpWriteCell, addr, req.Value); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.values[s.slot(ctx, addr)] = req.Value
	s.mu.Unlock()
	return connector.NewEvidence("scripted", map[string]any{"cell": addr, "value": req.Value}), nil
}

func (s *Scripted) ReadCell(ctx context.Context, req connector.CellRequest) (*connector.Evidence, error) {
	addr := connector.CellAddress(req)
	if err := s.record(ctx, OpReadCell, addr, ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	v := s.values[s.slot(ctx, addr)]
	s.mu.Unlock()
	return connector.NewEvidence("scripted", map[string]any{"cell": addr, "value": v}), nil
}

func (s *Scripted) FetchCode(ctx context.Context, q connector.CodeQuery) (*connector.Evidence, error) {
	if err := s.record(ctx, OpFetchCode, q.SenderFilter, ""); err != nil {
		return nil, err
	}
	return connector.NewEvidence("scripted", map[string]any{"code": s.code}), nil
}

var (
	_ connector.Interactive = (*Scripted)(nil)
	_ connector.CellWriter  = (*Scripted)(nil)
	_ connector.CodeFetcher = (*Scripted)(nil)
)
