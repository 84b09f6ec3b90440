// Package classify turns raw UI-change notifications from the foreign chat
// application into pipeline events: which peer is on screen and what their
// latest message says. Lookups into the UI tree fail routinely (the tree is
// redrawn constantly), so every miss is a quiet no-op, never an error.
package classify

import (
	"log/slog"
	"strings"

	"github.com/finchley/autoreply/internal/store"
	"github.com/finchley/autoreply/internal/uiauto"
)

// AppProfile names the foreign application and the element identifiers the
// classifier and sender need. These vary per app version and are
// configuration, not code.
type AppProfile struct {
	PackageName  string `yaml:"package_name"`
	ChatTitleID  string `yaml:"chat_title_id"`
	MessageID    string `yaml:"message_id"`
	InputID      string `yaml:"input_id"`
	SendButtonID string `yaml:"send_button_id"`
}

// Decision is the classifier's verdict on one event.
type Decision int

const (
	// DecisionIgnore: the event came from some other application.
	DecisionIgnore Decision = iota
	// DecisionNoOp: right application, but nothing actionable could be
	// extracted (missing title node, empty message list, self-authored
	// message, input-box churn).
	DecisionNoOp
	// DecisionProcess: a peer message was extracted and should enter the
	// pipeline.
	DecisionProcess
)

// Classified is the extracted content of a processable event.
type Classified struct {
	Kind       uiauto.EventKind
	Peer       string
	LatestText string
	Sender     store.Sender
}

// SenderResolver attributes a message node to self or peer. Attribution from
// UI structure is guesswork; the default substring heuristic is the least
// trustworthy stage of the pipeline and is replaceable wholesale.
type SenderResolver func(node uiauto.Node) store.Sender

// HeuristicSender guesses authorship from the parent container's element
// identifier: outgoing bubbles tend to sit in "send"/"right" containers,
// incoming ones in "receive"/"left". Unknown layouts default to peer, which
// at worst replies to our own message once before dedupe catches it.
func HeuristicSender(node uiauto.Node) store.Sender {
	parent := node.Parent()
	if parent == nil {
		return store.SenderPeer
	}
	id := strings.ToLower(parent.ID())
	switch {
	case strings.Contains(id, "send"), strings.Contains(id, "right"):
		return store.SenderSelf
	case strings.Contains(id, "receive"), strings.Contains(id, "left"):
		return store.SenderPeer
	}
	return store.SenderPeer
}

type Classifier struct {
	profile AppProfile
	sender  SenderResolver
	logger  *slog.Logger
}

func New(profile AppProfile, sender SenderResolver, logger *slog.Logger) *Classifier {
	if sender == nil {
		sender = HeuristicSender
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{profile: profile, sender: sender, logger: logger}
}

// Classify inspects one UI event. It has no side effects beyond extraction.
func (c *Classifier) Classify(evt uiauto.Event) (Classified, Decision) {
	if evt.SourceApp != c.profile.PackageName {
		return Classified{}, DecisionIgnore
	}

	switch evt.Kind {
	case uiauto.KindNotification:
		return c.classifyNotification(evt)
	case uiauto.KindContentChanged, uiauto.KindStateChanged:
		return c.classifyChatWindow(evt)
	case uiauto.KindTextChanged:
		// Input-box churn; nothing to extract.
		return Classified{Kind: evt.Kind}, DecisionNoOp
	default:
		c.logger.Debug("classify: unknown event kind", "kind", evt.Kind)
		return Classified{}, DecisionNoOp
	}
}

// classifyNotification parses "Peer: message" out of a notification snippet.
func (c *Classifier) classifyNotification(evt uiauto.Event) (Classified, Decision) {
	for _, text := range evt.Texts {
		peer, msg, ok := strings.Cut(text, ":")
		if !ok {
			continue
		}
		peer = strings.TrimSpace(peer)
		msg = strings.TrimSpace(msg)
		if peer == "" || msg == "" {
			continue
		}
		return Classified{
			Kind:       uiauto.KindNotification,
			Peer:       peer,
			LatestText: msg,
			Sender:     store.SenderPeer,
		}, DecisionProcess
	}
	return Classified{Kind: uiauto.KindNotification}, DecisionNoOp
}

// classifyChatWindow reads the open chat: peer name from the title bar, the
// newest message from the last message-bearing node.
func (c *Classifier) classifyChatWindow(evt uiauto.Event) (Classified, Decision) {
	if evt.Root == nil {
		return Classified{Kind: evt.Kind}, DecisionNoOp
	}

	peer, ok := c.chatTitle(evt.Root)
	if !ok {
		c.logger.Debug("classify: chat title not found")
		return Classified{Kind: evt.Kind}, DecisionNoOp
	}

	nodes := evt.Root.FindByID(c.profile.MessageID)
	if len(nodes) == 0 {
		return Classified{Kind: evt.Kind}, DecisionNoOp
	}
	latest := nodes[len(nodes)-1]
	text, ok := latest.Text()
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		return Classified{Kind: evt.Kind}, DecisionNoOp
	}

	sender := c.sender(latest)
	if sender != store.SenderPeer {
		// Our own outgoing bubble repainting; replying to it would loop.
		return Classified{Kind: evt.Kind}, DecisionNoOp
	}

	return Classified{
		Kind:       evt.Kind,
		Peer:       peer,
		LatestText: text,
		Sender:     sender,
	}, DecisionProcess
}

func (c *Classifier) chatTitle(root uiauto.Node) (string, bool) {
	nodes := root.FindByID(c.profile.ChatTitleID)
	if len(nodes) == 0 {
		return "", false
	}
	text, ok := nodes[0].Text()
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		return "", false
	}
	return text, true
}
