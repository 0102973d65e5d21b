package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/ent0n29/callguard/internal/authlevel"
)

var ErrUnknownTool = errors.New("unknown tool")

// Call is what an allowed operation receives. SubjectID is empty for tier 0
// operations on an unidentified session.
type Call struct {
	SessionID string
	SubjectID string
	Operation string
	Args      map[string]any
}

// Result is handed back to the caller; SensitiveDataAccessed and ResourceID
// feed the access record.
type Result struct {
	Payload               map[string]any `json:"payload,omitempty"`
	SensitiveDataAccessed bool           `json:"sensitive_data_accessed"`
	ResourceID            string         `json:"resource_id,omitempty"`
}

type Tool interface {
	Name() string
	Invoke(ctx context.Context, call Call) (Result, error)
}

// Func adapts a function to Tool.
type Func struct {
	name string
	fn   func(ctx context.Context, call Call) (Result, error)
}

func NewFunc(name string, fn func(ctx context.Context, call Call) (Result, error)) Func {
	return Func{name: name, fn: fn}
}

func (f Func) Name() string { return f.name }

func (f Func) Invoke(ctx context.Context, call Call) (Result, error) {
	return f.fn(ctx, call)
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Name() == "" {
		return errors.New("tool name is required")
	}
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate fails unless the registered tools and the operation table name
// exactly the same set.
func (r *Registry) Validate(table *authlevel.Table) error {
	return table.CheckComplete(r.Names())
}

// Placeholder stands in for a domain tool whose body lives outside this
// service. It echoes the operation so callers can exercise the gate.
type Placeholder struct {
	Operation string
	Sensitive bool
}

func (p Placeholder) Name() string { return p.Operation }

func (p Placeholder) Invoke(_ context.Context, call Call) (Result, error) {
	payload := map[string]any{
		"operation": p.Operation,
		"status":    "accepted",
	}
	keys := make([]string, 0, len(call.Args))
	for k := range call.Args {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if len(keys) > 0 {
		payload["args"] = keys
	}
	resourceID := ""
	if id, ok := call.Args["resource_id"].(string); ok {
		resourceID = id
	} else if p.Sensitive {
		resourceID = call.SubjectID
	}
	return Result{Payload: payload, SensitiveDataAccessed: p.Sensitive, ResourceID: resourceID}, nil
}

// Handoff transfers the caller to a human. It is the only operation an
// escalated session may still run.
type Handoff struct {
	Operation string
	Queue     string
}

func (h Handoff) Name() string { return h.Operation }

func (h Handoff) Invoke(_ context.Context, call Call) (Result, error) {
	queue := h.Queue
	if queue == "" {
		queue = "staff"
	}
	return Result{Payload: map[string]any{
		"operation":   h.Operation,
		"status":      "transferring",
		"queue":       queue,
		"session_ref": call.SessionID,
	}}, nil
}

// Populate registers a Placeholder for every table operation, and a Handoff
// for handoffOp when set.
func Populate(r *Registry, table *authlevel.Table, handoffOp string) error {
	for _, op := range table.Operations() {
		var t Tool
		if op == handoffOp {
			t = Handoff{Operation: op}
		} else {
			req, _ := table.Requirement(op)
			t = Placeholder{Operation: op, Sensitive: req.Sensitive}
		}
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
