package reply

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }
func (failingBackend) Generate(context.Context, Context) (string, error) {
	return "", fmt.Errorf("backend down")
}

type emptyBackend struct{}

func (emptyBackend) Name() string { return "empty" }
func (emptyBackend) Generate(context.Context, Context) (string, error) {
	return "   ", nil
}

func sampleContext() Context {
	return Context{
		Persona: "P",
		Turns: []Turn{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
		},
	}
}

func inCannedSet(text string) bool {
	for _, canned := range CannedReplies() {
		if text == canned {
			return true
		}
	}
	return false
}

func TestPromptAssembly(t *testing.T) {
	rc := sampleContext()

	want := "P\n\nuser: hi\nassistant: hello\nassistant: "
	if got := rc.RenderPrompt(); got != want {
		t.Fatalf("rendered prompt mismatch:\ngot  %q\nwant %q", got, want)
	}

	msgs := rc.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 chat messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "P" {
		t.Fatalf("first message must carry the persona, got %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hi" {
		t.Fatalf("unexpected user turn: %+v", msgs[1])
	}
	if msgs[2].Role != "assistant" || msgs[2].Content != "hello" {
		t.Fatalf("unexpected assistant turn: %+v", msgs[2])
	}
}

func TestReplyNoBackendUsesCanned(t *testing.T) {
	g := NewGateway(nil)
	text := g.Reply(context.Background(), sampleContext())
	if !inCannedSet(text) {
		t.Fatalf("expected canned reply, got %q", text)
	}
}

func TestReplyFallbackGuarantee(t *testing.T) {
	g := NewGateway(nil)
	g.Register(failingBackend{})
	if err := g.Select("failing"); err != nil {
		t.Fatalf("select: %v", err)
	}

	for i := 0; i < 50; i++ {
		text := g.Reply(context.Background(), sampleContext())
		if text == "" {
			t.Fatalf("reply must never be empty")
		}
		if !inCannedSet(text) {
			t.Fatalf("reply %q not in the canned set", text)
		}
	}
}

func TestReplyEmptyBackendResultFallsBack(t *testing.T) {
	g := NewGateway(nil)
	g.Register(emptyBackend{})
	if err := g.Select("empty"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if text := g.Reply(context.Background(), sampleContext()); !inCannedSet(text) {
		t.Fatalf("expected canned reply for empty backend output, got %q", text)
	}
}

func TestSelectUnknownBackend(t *testing.T) {
	g := NewGateway(nil)
	if err := g.Select("nope"); err == nil {
		t.Fatalf("expected error selecting unknown backend")
	}
	if err := g.Select(""); err != nil {
		t.Fatalf("deselecting must always work: %v", err)
	}
}

func TestOpenAIBackendHappyPath(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		fmt.Fprint(w, `{"choices":[{"message":{"content":" sure thing! "}}]}`)
	}))
	defer srv.Close()

	b := NewOpenAIBackend(OpenAIConfig{
		BaseURL: srv.URL,
		APIKey:  "sk-test",
		Model:   "gpt-4o-mini",
	}, srv.Client())

	text, err := b.Generate(context.Background(), sampleContext())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "sure thing!" {
		t.Fatalf("expected trimmed content, got %q", text)
	}
	for _, fragment := range []string{`"model":"gpt-4o-mini"`, `"role":"system"`, `"content":"P"`, `"max_tokens":100`, `"temperature":0.7`} {
		if !strings.Contains(gotBody, fragment) {
			t.Fatalf("request body missing %s: %s", fragment, gotBody)
		}
	}
}

func TestOpenAIBackendFailureModes(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"non-2xx", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":`)
		}},
		{"no choices", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":[]}`)
		}},
		{"empty content", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":[{"message":{"content":""}}]}`)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			b := NewOpenAIBackend(OpenAIConfig{BaseURL: srv.URL, Model: "m"}, srv.Client())
			if _, err := b.Generate(context.Background(), sampleContext()); err == nil {
				t.Fatalf("expected error")
			}

			// The gateway turns each failure mode into a canned reply.
			g := NewGateway(nil)
			g.Register(b)
			if err := g.Select("openai"); err != nil {
				t.Fatalf("select: %v", err)
			}
			if text := g.Reply(context.Background(), sampleContext()); !inCannedSet(text) {
				t.Fatalf("expected canned reply, got %q", text)
			}
		})
	}
}

func TestLocalBackend(t *testing.T) {
	b := NewLocalBackend()

	if _, err := b.Generate(context.Background(), Context{Persona: "P"}); err == nil {
		t.Fatalf("expected error with no user turn")
	}

	text, err := b.Generate(context.Background(), sampleContext())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text == "" {
		t.Fatalf("expected non-empty local reply")
	}
}
