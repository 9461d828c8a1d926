package content

import (
	"encoding/json"
	"fmt"
)

// Parts is an ordered list of parts that knows how to encode itself with a
// "type" discriminator per element.
type Parts []Part

// wirePart is the flattened JSON shape shared by every variant.
type wirePart struct {
	Type       string            `json:"type"`
	Text       string            `json:"text,omitempty"`
	ToolCallID string            `json:"toolCallId,omitempty"`
	ToolName   string            `json:"toolName,omitempty"`
	Args       json.RawMessage   `json:"args,omitempty"`
	State      State             `json:"state,omitempty"`
	Result     string            `json:"result,omitempty"`
	IsError    bool              `json:"isError,omitempty"`
	Step       int               `json:"step,omitempty"`
	Metadata   map[string]string `json:"providerMetadata,omitempty"`
	SourceID   string            `json:"sourceId,omitempty"`
	URL        string            `json:"url,omitempty"`
	Title      string            `json:"title,omitempty"`
}

// MarshalPart encodes a single part.
func MarshalPart(p Part) ([]byte, error) {
	var w wirePart

	switch v := p.(type) {
	case Text:
		w = wirePart{Type: KindText, Text: v.Text}
	case ToolInvocation:
		w = wirePart{
			Type:       KindToolInvocation,
			ToolCallID: v.ToolCallID,
			ToolName:   v.ToolName,
			Args:       v.Args,
			State:      v.State,
			Result:     v.Result,
			IsError:    v.IsError,
			Step:       v.Step,
			Metadata:   v.Metadata,
		}
	case Source:
		w = wirePart{Type: KindSource, SourceID: v.ID, URL: v.URL, Title: v.Title}
	default:
		return nil, fmt.Errorf("content: unsupported part %T", p)
	}

	return json.Marshal(w)
}

// UnmarshalPart decodes a single part produced by MarshalPart.
func UnmarshalPart(data []byte) (Part, error) {
	var w wirePart
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("content: decode part: %w", err)
	}

	switch w.Type {
	case KindText:
		return Text{Text: w.Text}, nil
	case KindToolInvocation:
		if w.State != StateCall && w.State != StateResult {
			return nil, fmt.Errorf("content: tool invocation %q: invalid state %q", w.ToolCallID, w.State)
		}
		return ToolInvocation{
			ToolCallID: w.ToolCallID,
			ToolName:   w.ToolName,
			Args:       w.Args,
			State:      w.State,
			Result:     w.Result,
			IsError:    w.IsError,
			Step:       w.Step,
			Metadata:   w.Metadata,
		}, nil
	case KindSource:
		return Source{ID: w.SourceID, URL: w.URL, Title: w.Title}, nil
	default:
		return nil, fmt.Errorf("content: unknown part type %q", w.Type)
	}
}

// MarshalJSON implements json.Marshaler.
func (ps Parts) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(ps))
	for _, p := range ps {
		b, err := MarshalPart(p)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}

	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (ps *Parts) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("content: decode parts: %w", err)
	}

	out := make(Parts, 0, len(raw))
	for _, r := range raw {
		p, err := UnmarshalPart(r)
		if err != nil {
			return err
		}
		out = append(out, p)
	}

	*ps = out
	return nil
}
