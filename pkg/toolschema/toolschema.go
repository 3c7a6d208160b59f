// Package toolschema guards the voice-agent tool surface: only registered
// tools run, and their arguments must match a JSON Schema before the
// dispatcher sees them.
package toolschema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrToolBlocked is returned for a tool that is not registered.
	ErrToolBlocked = errors.New("tool not allowed")
	// ErrInvalidArgs is returned when arguments fail schema validation.
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// Call is the live-call context the agent platform sends with each tool call.
type Call struct {
	Direction  string `json:"direction,omitempty"`
	FromNumber string `json:"from_number,omitempty"`
	ToNumber   string `json:"to_number,omitempty"`
	CallID     string `json:"call_id,omitempty"`
}

// CallerPhone is the customer's side of the call: From on inbound, To on outbound.
func (c Call) CallerPhone() string {
	if strings.EqualFold(c.Direction, "outbound") {
		return c.ToNumber
	}
	return c.FromNumber
}

// Dispatcher executes a validated tool call. args is the JSON object after
// call-context defaults have been applied.
type Dispatcher interface {
	Dispatch(ctx context.Context, tool string, args json.RawMessage) (any, error)
}

// Firewall enforces the tool allowlist and argument schemas.
type Firewall struct {
	mu     sync.RWMutex
	schema map[string]*jsonschema.Schema // nil entry: allowed, unvalidated
	next   Dispatcher
}

// New creates an empty firewall in front of next.
func New(next Dispatcher) *Firewall {
	return &Firewall{schema: make(map[string]*jsonschema.Schema), next: next}
}

// NewDefault creates a firewall with every built-in tool registered.
func NewDefault(next Dispatcher) (*Firewall, error) {
	f := New(next)
	for name, s := range DefaultSchemas {
		if err := f.AllowTool(name, s); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// AllowTool registers a tool. An empty schema disables validation for it.
func (f *Firewall) AllowTool(name, schema string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if schema == "" {
		f.schema[name] = nil
		return nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://callbridge.local/tools/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("toolschema: load %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("toolschema: compile %s: %w", name, err)
	}
	f.schema[name] = compiled
	return nil
}

// Tools lists registered tool names.
func (f *Firewall) Tools() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.schema))
	for name := range f.schema {
		out = append(out, name)
	}
	return out
}

// CallTool validates raw against the tool's schema and dispatches it.
// Missing phone and call_id arguments are filled from the call context,
// and numeric order numbers or phones are coerced to strings.
func (f *Firewall) CallTool(ctx context.Context, call Call, tool string, raw json.RawMessage) (any, error) {
	f.mu.RLock()
	schema, ok := f.schema[tool]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolBlocked, tool)
	}

	args, err := decodeArgs(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(args, call)

	if schema != nil {
		if err := schema.Validate(args); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgs, tool, err)
		}
	}
	coerceStrings(args)

	if f.next == nil {
		return nil, fmt.Errorf("toolschema: dispatcher not configured")
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("toolschema: encode args: %w", err)
	}
	return f.next.Dispatch(ctx, tool, b)
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return args, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: arguments must be an object", ErrInvalidArgs)
	}
	return m, nil
}

func applyDefaults(args map[string]any, call Call) {
	if isBlank(args["phone"]) && call.CallerPhone() != "" {
		args["phone"] = call.CallerPhone()
	}
	if isBlank(args["call_id"]) && call.CallID != "" {
		args["call_id"] = call.CallID
	}
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

var stringFields = []string{"order_number", "phone"}

func coerceStrings(args map[string]any) {
	for _, k := range stringFields {
		if n, ok := args[k].(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				args[k] = strconv.FormatInt(i, 10)
			} else {
				args[k] = n.String()
			}
		}
	}
}
