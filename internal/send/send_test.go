package send

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/finchley/autoreply/internal/classify"
	"github.com/finchley/autoreply/internal/uiauto"
)

var profile = classify.AppProfile{
	InputID:      "app:id/chat_input",
	SendButtonID: "app:id/send_button",
}

func chatWindow(actions *uiauto.ActionWriter, withInput, withButton bool) *uiauto.TreeNode {
	var children []*uiauto.TreeNode
	if withInput {
		children = append(children, &uiauto.TreeNode{NodeID: profile.InputID})
	}
	if withButton {
		children = append(children, &uiauto.TreeNode{NodeID: profile.SendButtonID})
	}
	root := &uiauto.TreeNode{NodeID: "root", Children: children}
	return root.Bind(actions)
}

func TestSendWritesTextAndClicks(t *testing.T) {
	var buf bytes.Buffer
	actions := uiauto.NewActionWriter(&buf)
	root := chatWindow(actions, true, true)

	s := NewSender(profile, func() uiauto.Node { return root }, nil)
	if !s.Send("hello there") {
		t.Fatalf("expected send to succeed")
	}

	dec := json.NewDecoder(strings.NewReader(buf.String()))
	var first, second uiauto.Action
	if err := dec.Decode(&first); err != nil {
		t.Fatalf("decode first action: %v", err)
	}
	if err := dec.Decode(&second); err != nil {
		t.Fatalf("decode second action: %v", err)
	}
	if first.Op != uiauto.OpSetText || first.TargetID != profile.InputID || first.Text != "hello there" {
		t.Fatalf("unexpected first action: %+v", first)
	}
	if second.Op != uiauto.OpClick || second.TargetID != profile.SendButtonID {
		t.Fatalf("unexpected second action: %+v", second)
	}
}

func TestSendFailureModes(t *testing.T) {
	var buf bytes.Buffer
	actions := uiauto.NewActionWriter(&buf)

	cases := []struct {
		name string
		root func() uiauto.Node
	}{
		{"no window", func() uiauto.Node { return nil }},
		{"no input box", func() uiauto.Node { return chatWindow(actions, false, true) }},
		{"no send button", func() uiauto.Node { return chatWindow(actions, true, false) }},
		{"writes rejected", func() uiauto.Node { return chatWindow(nil, true, true) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSender(profile, tc.root, nil)
			if s.Send("hi") {
				t.Fatalf("expected send to fail")
			}
		})
	}
}
