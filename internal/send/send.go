// Package send drives the UI-introspection channel to deliver a reply:
// write the text into the foreign app's input box, then click its send
// button. All failure modes are expected UI churn; they are logged and
// reported, never escalated.
package send

import (
	"log/slog"

	"github.com/finchley/autoreply/internal/classify"
	"github.com/finchley/autoreply/internal/uiauto"
)

// RootFunc returns the current UI tree of the foreign application, or nil
// when no window is available.
type RootFunc func() uiauto.Node

type Sender struct {
	profile classify.AppProfile
	root    RootFunc
	logger  *slog.Logger
}

func NewSender(profile classify.AppProfile, root RootFunc, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{profile: profile, root: root, logger: logger}
}

// Send writes replyText into the input box and clicks send, reporting
// whether every step was accepted by the UI.
func (s *Sender) Send(replyText string) bool {
	root := s.root()
	if root == nil {
		s.logger.Warn("send: no active window")
		return false
	}

	inputs := root.FindByID(s.profile.InputID)
	if len(inputs) == 0 {
		s.logger.Warn("send: input box not found", "id", s.profile.InputID)
		return false
	}
	if !inputs[0].SetText(replyText) {
		s.logger.Warn("send: input box rejected text")
		return false
	}

	buttons := root.FindByID(s.profile.SendButtonID)
	if len(buttons) == 0 {
		s.logger.Warn("send: send button not found", "id", s.profile.SendButtonID)
		return false
	}
	if !buttons[0].Click() {
		s.logger.Warn("send: send button click rejected")
		return false
	}

	s.logger.Debug("send: reply delivered", "chars", len(replyText))
	return true
}
