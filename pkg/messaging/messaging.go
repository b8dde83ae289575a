// Package messaging delivers outbound replies to users. The engine treats
// every send as best effort: failures are logged and never change task state.
package messaging

import (
	"context"
	"fmt"
	"strings"
)

// Option is one selectable entry in a choice message.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Sink sends messages to an identity.
type Sink interface {
	SendText(ctx context.Context, to, text string) error
	SendChoice(ctx context.Context, to, text string, options []Option) error
}

// RenderChoice formats a choice message as numbered plain text, for sinks
// without native buttons.
func RenderChoice(text string, options []Option) string {
	var b strings.Builder
	b.WriteString(text)
	for i, o := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o.Label)
	}
	return b.String()
}
