package reply

import (
	"context"
	"fmt"
	"strings"
)

// LocalBackend answers without any network access. It keys a small set of
// templates off the latest user turn, which is enough for offline runs and
// for exercising the pipeline end to end.
type LocalBackend struct{}

func NewLocalBackend() *LocalBackend { return &LocalBackend{} }

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) Generate(_ context.Context, rc Context) (string, error) {
	last, ok := rc.LastUserText()
	if !ok {
		return "", fmt.Errorf("no user turn to answer")
	}

	switch {
	case strings.HasSuffix(last, "?"):
		return fmt.Sprintf("Good question! I'd have to think about %q.", last), nil
	case len([]rune(last)) <= 6:
		return fmt.Sprintf("%s to you too!", last), nil
	default:
		return fmt.Sprintf("I hear you about %q - tell me more.", trimForEcho(last)), nil
	}
}

func trimForEcho(s string) string {
	runes := []rune(s)
	if len(runes) <= 40 {
		return s
	}
	return string(runes[:40]) + "..."
}
