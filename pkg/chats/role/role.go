// Package role defines who authored a message.
package role

import "fmt"

// Role is the author of a message. Only user and assistant messages are
// stored in a conversation; system is the instruction preamble a provider
// receives ahead of them.
type Role string

const (
	System    Role = "system"
	User      Role = "user"
	Assistant Role = "assistant"
)

// Parse returns the Role named by s.
func Parse(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("role: unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case System, User, Assistant:
		return true
	}
	return false
}

func (r Role) String() string {
	return string(r)
}

// UnmarshalText rejects unknown roles so a corrupt stored conversation fails
// to load instead of reaching a provider.
func (r *Role) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
