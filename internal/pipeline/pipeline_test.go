package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/finchley/autoreply/internal/classify"
	"github.com/finchley/autoreply/internal/reply"
	"github.com/finchley/autoreply/internal/send"
	"github.com/finchley/autoreply/internal/store"
	"github.com/finchley/autoreply/internal/testutil"
	"github.com/finchley/autoreply/internal/uiauto"
)

var testProfile = classify.AppProfile{
	PackageName:  "com.example.chat",
	ChatTitleID:  "com.example.chat:id/chat_title",
	MessageID:    "com.example.chat:id/message_text",
	InputID:      "com.example.chat:id/chat_input",
	SendButtonID: "com.example.chat:id/send_button",
}

type scriptedBackend struct {
	mu    sync.Mutex
	calls int
	fn    func(reply.Context) (string, error)
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Generate(_ context.Context, rc reply.Context) (string, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return b.fn(rc)
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fixture struct {
	store    *store.Store
	pipe     *Pipeline
	actions  *bytes.Buffer
	backend  *scriptedBackend
	teardown func()
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	st := store.NewStore(db)

	backend := &scriptedBackend{fn: func(rc reply.Context) (string, error) {
		if text, ok := rc.LastUserText(); ok {
			return "re: " + text, nil
		}
		return "", errors.New("no user turn")
	}}
	gateway := reply.NewGateway(nil)
	gateway.Register(backend)
	if err := gateway.Select("scripted"); err != nil {
		t.Fatalf("select backend: %v", err)
	}

	var actions bytes.Buffer
	writer := uiauto.NewActionWriter(&actions)
	sendTree := chatWindow("ignored").Bind(writer)
	sender := send.NewSender(testProfile, func() uiauto.Node { return sendTree }, nil)

	classifier := classify.New(testProfile, nil, nil)
	pipe := New(st, gateway, sender, classifier, opts...)
	pipe.Start(context.Background())

	return &fixture{
		store:    st,
		pipe:     pipe,
		actions:  &actions,
		backend:  backend,
		teardown: func() { pipe.Close(); closeFn() },
	}
}

func textNode(id, text string) *uiauto.TreeNode {
	return &uiauto.TreeNode{NodeID: id, NodeText: &text}
}

func chatWindow(peer string, bubbles ...*uiauto.TreeNode) *uiauto.TreeNode {
	children := []*uiauto.TreeNode{
		textNode(testProfile.ChatTitleID, peer),
		textNode(testProfile.InputID, ""),
		textNode(testProfile.SendButtonID, "Send"),
	}
	children = append(children, bubbles...)
	return &uiauto.TreeNode{NodeID: "root", Children: children}
}

func peerMessageEvent(peer, text string) uiauto.Event {
	bubble := &uiauto.TreeNode{
		NodeID:   "msg_receive_left",
		Children: []*uiauto.TreeNode{textNode(testProfile.MessageID, text)},
	}
	return uiauto.Event{
		Kind:      uiauto.KindContentChanged,
		SourceApp: testProfile.PackageName,
		Root:      chatWindow(peer, bubble).Bind(nil),
	}
}

func awaitResult(t *testing.T, p *Pipeline) Result {
	t.Helper()
	select {
	case res := <-p.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for task result")
		return Result{}
	}
}

func TestFirstContactStoresBothSides(t *testing.T) {
	f := newFixture(t)
	defer f.teardown()

	if !f.pipe.HandleEvent(peerMessageEvent("Alice", "hello")) {
		t.Fatalf("expected event to enqueue a task")
	}
	res := awaitResult(t, f.pipe)
	if res.Err != nil {
		t.Fatalf("task failed: %v", res.Err)
	}
	if res.Reply != "re: hello" {
		t.Fatalf("unexpected reply: %q", res.Reply)
	}
	if !res.Sent {
		t.Fatalf("expected UI send to succeed")
	}

	history, err := f.store.History(context.Background(), "Alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected inbound and outbound messages, got %d", len(history))
	}
	if history[0].Sender != store.SenderPeer || history[0].Content != "hello" {
		t.Fatalf("unexpected inbound row: %+v", history[0])
	}
	if history[1].Sender != store.SenderSelf || history[1].Content != "re: hello" {
		t.Fatalf("unexpected outbound row: %+v", history[1])
	}
	if f.actions.Len() == 0 {
		t.Fatalf("expected UI actions to be written")
	}
}

func TestDuplicateEventEnqueuesOneTask(t *testing.T) {
	f := newFixture(t)
	defer f.teardown()

	if !f.pipe.HandleEvent(peerMessageEvent("Alice", "hello")) {
		t.Fatalf("first event should enqueue")
	}
	if f.pipe.HandleEvent(peerMessageEvent("Alice", "hello")) {
		t.Fatalf("identical consecutive event should be suppressed")
	}

	res := awaitResult(t, f.pipe)
	if res.Err != nil {
		t.Fatalf("task failed: %v", res.Err)
	}

	history, err := f.store.History(context.Background(), "Alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	peerRows := 0
	for _, m := range history {
		if m.Sender == store.SenderPeer {
			peerRows++
		}
	}
	if peerRows != 1 {
		t.Fatalf("expected exactly one persisted inbound message, got %d", peerRows)
	}
	if f.backend.callCount() != 1 {
		t.Fatalf("expected exactly one backend call, got %d", f.backend.callCount())
	}
}

func TestForgetReopensDedupeSlot(t *testing.T) {
	f := newFixture(t)
	defer f.teardown()

	if !f.pipe.HandleEvent(peerMessageEvent("Alice", "hello")) {
		t.Fatalf("first event should enqueue")
	}
	awaitResult(t, f.pipe)

	if f.pipe.HandleEvent(peerMessageEvent("Alice", "hello")) {
		t.Fatalf("repeat before forget should be suppressed")
	}

	f.pipe.Forget("Alice")

	if !f.pipe.HandleEvent(peerMessageEvent("Alice", "hello")) {
		t.Fatalf("repeat after forget should enqueue")
	}
	res := awaitResult(t, f.pipe)
	if res.Err != nil {
		t.Fatalf("task after forget failed: %v", res.Err)
	}
}

func TestIgnoredEventsNeverEnqueue(t *testing.T) {
	f := newFixture(t)
	defer f.teardown()

	foreign := peerMessageEvent("Alice", "hello")
	foreign.SourceApp = "com.other.app"
	if f.pipe.HandleEvent(foreign) {
		t.Fatalf("foreign-app event should be ignored")
	}

	empty := uiauto.Event{
		Kind:      uiauto.KindContentChanged,
		SourceApp: testProfile.PackageName,
		Root:      (&uiauto.TreeNode{NodeID: "root"}).Bind(nil),
	}
	if f.pipe.HandleEvent(empty) {
		t.Fatalf("event with no extractable message should be a no-op")
	}
	if f.pipe.QueueLen() != 0 {
		t.Fatalf("expected empty queue")
	}
}

func TestWorkerSurvivesPanickingBackend(t *testing.T) {
	f := newFixture(t, WithWorkers(1))
	defer f.teardown()

	f.backend.fn = func(reply.Context) (string, error) {
		panic("backend exploded")
	}
	f.pipe.HandleEvent(peerMessageEvent("Alice", "boom"))
	res := awaitResult(t, f.pipe)
	if res.Err == nil {
		t.Fatalf("expected panic surfaced as task error")
	}

	// The single worker must still be alive to run the next task.
	f.backend.fn = func(rc reply.Context) (string, error) {
		text, _ := rc.LastUserText()
		return "re: " + text, nil
	}
	f.pipe.HandleEvent(peerMessageEvent("Alice", "still there?"))
	res = awaitResult(t, f.pipe)
	if res.Err != nil {
		t.Fatalf("worker did not recover: %v", res.Err)
	}
	if res.Reply != "re: still there?" {
		t.Fatalf("unexpected reply after recovery: %q", res.Reply)
	}
}

func TestBackendFailureFallsBackAndPersists(t *testing.T) {
	f := newFixture(t)
	defer f.teardown()

	f.backend.fn = func(reply.Context) (string, error) {
		return "", errors.New("model unavailable")
	}
	f.pipe.HandleEvent(peerMessageEvent("Alice", "hello"))
	res := awaitResult(t, f.pipe)
	if res.Err != nil {
		t.Fatalf("backend failure must not fail the task: %v", res.Err)
	}

	canned := map[string]bool{}
	for _, c := range reply.CannedReplies() {
		canned[c] = true
	}
	if !canned[res.Reply] {
		t.Fatalf("expected canned fallback, got %q", res.Reply)
	}

	history, err := f.store.History(context.Background(), "Alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[1].Content != res.Reply {
		t.Fatalf("expected fallback reply persisted, got %+v", history)
	}
}

func TestDistinctMessagesSamePeerAllProcessed(t *testing.T) {
	f := newFixture(t, WithWorkers(2))
	defer f.teardown()

	const n = 4
	for i := 0; i < n; i++ {
		if !f.pipe.HandleEvent(peerMessageEvent("Alice", fmt.Sprintf("message %d", i))) {
			t.Fatalf("event %d should enqueue", i)
		}
	}
	for i := 0; i < n; i++ {
		res := awaitResult(t, f.pipe)
		if res.Err != nil {
			t.Fatalf("task failed: %v", res.Err)
		}
	}

	// Completion order across workers is unordered, so inbound rows may
	// land interleaved with replies. Every distinct message must still be
	// persisted exactly once.
	history, err := f.store.History(context.Background(), "Alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	seen := map[string]int{}
	for _, m := range history {
		if m.Sender == store.SenderPeer {
			seen[m.Content]++
		}
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct inbound messages, got %d", n, len(seen))
	}
	for text, count := range seen {
		if count != 1 {
			t.Fatalf("message %q persisted %d times", text, count)
		}
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	f := newFixture(t, WithWorkers(1))
	closed := false
	defer func() {
		if !closed {
			f.teardown()
		}
	}()

	f.pipe.HandleEvent(peerMessageEvent("Alice", "one"))
	f.pipe.HandleEvent(peerMessageEvent("Alice", "two"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.pipe.Close()
	}()

	results := 0
	for range f.pipe.Results() {
		results++
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for close")
	}
	if results != 2 {
		t.Fatalf("expected both queued tasks to complete before close, got %d", results)
	}

	if f.pipe.HandleEvent(peerMessageEvent("Bob", "late")) {
		t.Fatalf("closed pipeline must not accept events")
	}
	closed = true
	f.teardown()
}
