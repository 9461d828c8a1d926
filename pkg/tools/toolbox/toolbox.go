package toolbox

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolBox is the tool registry. It maps tool names to declarations, holds the
// static set of tools that require human confirmation and validates tool
// arguments against their schemas. It is safe for concurrent use.
type ToolBox struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	gated   map[string]bool
	schemas map[string]*jsonschema.Schema
}

// New creates a new ToolBox ready for use.
func New() *ToolBox {
	return &ToolBox{
		tools:   make(map[string]Tool),
		gated:   make(map[string]bool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds one or more tools to the ToolBox. If a tool with the same name
// already exists, it is replaced.
func (tb *ToolBox) Register(tools ...Tool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	for _, t := range tools {
		tb.tools[t.Name] = t
		delete(tb.schemas, t.Name)
	}
}

// RequireConfirmation marks the named tools as gated behind human approval.
func (tb *ToolBox) RequireConfirmation(names ...string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	for _, n := range names {
		tb.gated[n] = true
	}
}

// IsGated reports whether calls to the named tool wait for a human decision.
func (tb *ToolBox) IsGated(name string) bool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	return tb.gated[name]
}

// Gated returns the sorted names of all gated tools.
func (tb *ToolBox) Gated() []string {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	names := make([]string, 0, len(tb.gated))
	for n := range tb.gated {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns a tool by name and a boolean indicating whether it was found.
func (tb *ToolBox) Get(name string) (Tool, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	t, ok := tb.tools[name]
	return t, ok
}

// Merge registers all tools and confirmation requirements from another
// ToolBox into this one.
func (tb *ToolBox) Merge(other *ToolBox) {
	other.mu.RLock()
	tools := make([]Tool, 0, len(other.tools))
	for _, t := range other.tools {
		tools = append(tools, t)
	}
	gated := make([]string, 0, len(other.gated))
	for n := range other.gated {
		gated = append(gated, n)
	}
	other.mu.RUnlock()

	tb.Register(tools...)
	tb.RequireConfirmation(gated...)
}

// Tools returns all registered tools sorted by name.
func (tb *ToolBox) Tools() []Tool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	result := make([]Tool, 0, len(tb.tools))
	for _, t := range tb.tools {
		result = append(result, t)
	}
	slices.SortFunc(result, func(a, b Tool) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return result
}

// Filter returns a new ToolBox holding only the named tools that exist in tb.
// Confirmation requirements of the kept tools carry over.
func (tb *ToolBox) Filter(names []string) *ToolBox {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	out := New()
	for _, n := range names {
		if t, ok := tb.tools[n]; ok {
			out.tools[n] = t
			if tb.gated[n] {
				out.gated[n] = true
			}
		}
	}
	return out
}

// Validate checks the registry at startup. Every gated name must be
// registered, every tool that runs without confirmation needs a handler and
// every input schema must compile. All problems are joined into one error.
func (tb *ToolBox) Validate() error {
	var errs []error

	for _, n := range tb.Gated() {
		if _, ok := tb.Get(n); !ok {
			errs = append(errs, &ConfigError{Tool: n, Reason: "requires confirmation but is not registered"})
		}
	}

	for _, t := range tb.Tools() {
		if t.Handler == nil && !tb.IsGated(t.Name) {
			errs = append(errs, &ConfigError{Tool: t.Name, Reason: "has no handler and does not require confirmation"})
		}
		if _, err := tb.schema(t.Name); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// CheckHistory verifies that every pending tool call in msgs names a
// registered tool. A history that references an unknown tool cannot be
// resolved and is reported as a *ConfigError.
func (tb *ToolBox) CheckHistory(msgs []message.Message) error {
	for _, m := range msgs {
		for _, ti := range m.ToolInvocations() {
			if ti.State != content.StateCall {
				continue
			}
			if _, ok := tb.Get(ti.ToolName); !ok {
				return &ConfigError{
					Tool:   ti.ToolName,
					Reason: fmt.Sprintf("referenced by call %s in message %s but not registered", ti.ToolCallID, m.ID),
				}
			}
		}
	}

	return nil
}

// ValidateArgs checks raw JSON arguments against the named tool's input
// schema. Empty arguments are treated as an empty object.
func (tb *ToolBox) ValidateArgs(name string, args json.RawMessage) error {
	sch, err := tb.schema(name)
	if err != nil {
		return err
	}

	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("toolbox: %s: invalid arguments: %w", name, err)
	}

	if sch == nil {
		return nil
	}

	if err := sch.Validate(decoded); err != nil {
		return fmt.Errorf("toolbox: %s: invalid arguments: %w", name, err)
	}

	return nil
}

// schema returns the compiled input schema of the named tool, compiling and
// caching it on first use. Tools without a schema return nil.
func (tb *ToolBox) schema(name string) (*jsonschema.Schema, error) {
	tb.mu.RLock()
	t, ok := tb.tools[name]
	cached, hit := tb.schemas[name]
	tb.mu.RUnlock()

	if !ok {
		return nil, &ConfigError{Tool: name, Reason: "not registered"}
	}
	if hit {
		return cached, nil
	}
	if len(bytes.TrimSpace(t.InputSchema)) == 0 {
		return nil, nil
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(t.InputSchema))
	if err != nil {
		return nil, &ConfigError{Tool: name, Reason: "input schema does not compile", Err: err}
	}

	tb.mu.Lock()
	tb.schemas[name] = compiled
	tb.mu.Unlock()

	return compiled, nil
}
