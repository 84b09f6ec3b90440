// Package reply generates outgoing message text through a pluggable backend,
// falling back to canned replies whenever a backend misbehaves. The pipeline
// must always get some text back; no error here is ever fatal.
package reply

import (
	"strings"
)

// Role labels one side of the rendered conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Turn struct {
	Role    Role
	Content string
}

// Context is the ephemeral per-request prompt material: the conversation's
// persona followed by its history in chronological order. It is built fresh
// for every generation and never stored.
type Context struct {
	Persona string
	Turns   []Turn
}

// Messages renders the context in chat-completions form: a system turn
// carrying the persona, then the history turns in order.
func (c Context) Messages() []ChatMessage {
	out := make([]ChatMessage, 0, len(c.Turns)+1)
	out = append(out, ChatMessage{Role: string(RoleSystem), Content: c.Persona})
	for _, turn := range c.Turns {
		out = append(out, ChatMessage{Role: string(turn.Role), Content: turn.Content})
	}
	return out
}

// RenderPrompt renders the context as flat text: persona, a blank line, each
// turn as "<role>: <content>", and a trailing open assistant turn for the
// model to complete.
func (c Context) RenderPrompt() string {
	var b strings.Builder
	b.WriteString(c.Persona)
	b.WriteString("\n\n")
	for _, turn := range c.Turns {
		b.WriteString(string(turn.Role))
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	b.WriteString(string(RoleAssistant))
	b.WriteString(": ")
	return b.String()
}

// LastUserText returns the most recent user turn, if any.
func (c Context) LastUserText() (string, bool) {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].Role == RoleUser {
			return c.Turns[i].Content, true
		}
	}
	return "", false
}
