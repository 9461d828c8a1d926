package toolbox

import "fmt"

// ConfigError reports a tool declaration that cannot serve a conversation:
// an unknown tool referenced by history or configuration, a non-gated tool
// without a handler, or an input schema that does not compile. It is fatal
// and must surface before any output is streamed.
type ConfigError struct {
	Tool   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("toolbox: config: tool %q: %s: %v", e.Tool, e.Reason, e.Err)
	}
	return fmt.Sprintf("toolbox: config: tool %q: %s", e.Tool, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
