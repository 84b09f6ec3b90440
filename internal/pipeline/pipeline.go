// Package pipeline runs the capture to reply loop: classified UI events are
// deduplicated on the event-delivery goroutine, then handed to a fixed pool
// of workers that persist the inbound message, generate a reply, drive the
// outbound UI action, and persist the result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/finchley/autoreply/internal/classify"
	"github.com/finchley/autoreply/internal/dedupe"
	"github.com/finchley/autoreply/internal/events"
	"github.com/finchley/autoreply/internal/idgen"
	"github.com/finchley/autoreply/internal/reply"
	"github.com/finchley/autoreply/internal/send"
	"github.com/finchley/autoreply/internal/store"
	"github.com/finchley/autoreply/internal/uiauto"
)

const DefaultWorkers = 5

// Result is the outcome of one reply task, delivered on the completion
// channel. Err is set when a store step failed and the task was abandoned;
// a failed UI send alone is not an error, it shows up as Sent=false with
// the reply still recorded.
type Result struct {
	TaskID  string
	Peer    string
	Inbound string
	Reply   string
	Sent    bool
	Err     error
	Elapsed time.Duration
}

type task struct {
	id   string
	peer string
	text string
}

type Pipeline struct {
	store      *store.Store
	gateway    *reply.Gateway
	sender     *send.Sender
	classifier *classify.Classifier
	gate       *dedupe.Gate
	bus        *events.Bus
	logger     *slog.Logger
	workers    int
	nowFn      func() time.Time

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []task
	closed bool

	wg      sync.WaitGroup
	started bool
	results chan Result
}

type Option func(*Pipeline)

// WithWorkers sets the pool size. Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithBus publishes task outcomes to the event bus.
func WithBus(bus *events.Bus) Option {
	return func(p *Pipeline) {
		p.bus = bus
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(p *Pipeline) {
		if nowFn != nil {
			p.nowFn = nowFn
		}
	}
}

func New(st *store.Store, gateway *reply.Gateway, sender *send.Sender, classifier *classify.Classifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      st,
		gateway:    gateway,
		sender:     sender,
		classifier: classifier,
		gate:       dedupe.NewGate(),
		logger:     slog.Default(),
		workers:    DefaultWorkers,
		nowFn:      time.Now,
		results:    make(chan Result, 64),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker pool. ctx bounds the blocking calls made by
// in-flight tasks; canceling it does not stop the workers, call Close for
// that.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Close stops accepting events, lets queued tasks drain, waits for the
// workers, and closes the results channel.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	close(p.results)
}

// Results exposes task outcomes. The channel is buffered; outcomes are
// dropped when nobody drains it so the pipeline never stalls on a slow
// observer.
func (p *Pipeline) Results() <-chan Result {
	return p.results
}

// HandleEvent is the event-delivery entry point: classify, dedupe, enqueue.
// It never blocks on I/O. Returns true when a task was enqueued.
func (p *Pipeline) HandleEvent(evt uiauto.Event) bool {
	cls, decision := p.classifier.Classify(evt)
	switch decision {
	case classify.DecisionIgnore, classify.DecisionNoOp:
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	// The gate shares the pipeline lock with Forget, which runs on admin
	// goroutines when a conversation is deleted.
	if !p.gate.Accept(cls.Peer, cls.LatestText) {
		p.logger.Debug("duplicate message suppressed", "peer", cls.Peer)
		return false
	}

	t := task{id: idgen.TaskID(), peer: cls.Peer, text: cls.LatestText}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	p.logger.Info("task enqueued", "task", t.id, "peer", t.peer, "queued", len(p.queue))
	return true
}

// Forget drops the dedupe slot for peer so the next message from them is
// processed even when it repeats the last seen text. Call it after the
// peer's conversation has been deleted.
func (p *Pipeline) Forget(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate.Forget(peer)
}

// QueueLen reports tasks waiting for a worker.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) next() (task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return task{}, false
	}
	t := p.queue[0]
	p.queue = p.queue[1:]
	return t, true
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		t, ok := p.next()
		if !ok {
			return
		}
		p.execute(ctx, t)
	}
}

// execute runs one task with a recover barrier so a panicking backend or
// store cannot take the worker down with it.
func (p *Pipeline) execute(ctx context.Context, t task) {
	start := p.nowFn()
	var res Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = Result{TaskID: t.id, Peer: t.peer, Inbound: t.text, Err: fmt.Errorf("task panic: %v", r)}
			}
		}()
		res = p.run(ctx, t)
	}()
	res.Elapsed = p.nowFn().Sub(start)
	p.report(ctx, res)
}

func (p *Pipeline) run(ctx context.Context, t task) Result {
	res := Result{TaskID: t.id, Peer: t.peer, Inbound: t.text}

	convID, err := p.store.FindOrCreate(ctx, t.peer)
	if err != nil {
		res.Err = fmt.Errorf("find conversation: %w", err)
		return res
	}
	if _, err := p.store.AppendMessage(ctx, convID, store.SenderPeer, t.text); err != nil {
		res.Err = fmt.Errorf("persist inbound: %w", err)
		return res
	}
	if p.bus != nil {
		if _, err := p.bus.Push(ctx, events.EventInput{
			Stream:  events.StreamInbound,
			Subject: t.peer,
			Body:    t.text,
			Payload: map[string]any{"task": t.id},
		}); err != nil {
			p.logger.Warn("publish inbound event", "error", err)
		}
	}

	persona, err := p.store.GetPersona(ctx, t.peer)
	if err != nil {
		res.Err = fmt.Errorf("load persona: %w", err)
		return res
	}
	history, err := p.store.History(ctx, t.peer)
	if err != nil {
		res.Err = fmt.Errorf("load history: %w", err)
		return res
	}

	rc := buildContext(persona, history)
	res.Reply = p.gateway.Reply(ctx, rc)

	// The reply is recorded whether or not the UI write lands, so history
	// reflects what the system decided to say.
	res.Sent = p.sender.Send(res.Reply)
	if _, err := p.store.AppendMessage(ctx, convID, store.SenderSelf, res.Reply); err != nil {
		res.Err = fmt.Errorf("persist outbound: %w", err)
		return res
	}
	return res
}

// buildContext maps stored history onto chat turns: peer messages become
// user turns, our own become assistant turns.
func buildContext(persona string, history []store.Message) reply.Context {
	rc := reply.Context{Persona: persona, Turns: make([]reply.Turn, 0, len(history))}
	for _, m := range history {
		role := reply.RoleUser
		if m.Sender == store.SenderSelf {
			role = reply.RoleAssistant
		}
		rc.Turns = append(rc.Turns, reply.Turn{Role: role, Content: m.Content})
	}
	return rc
}

func (p *Pipeline) report(ctx context.Context, res Result) {
	if res.Err != nil {
		p.logger.Error("task failed", "task", res.TaskID, "peer", res.Peer, "error", res.Err)
	} else {
		p.logger.Info("task completed", "task", res.TaskID, "peer", res.Peer, "sent", res.Sent, "elapsed", res.Elapsed)
	}

	select {
	case p.results <- res:
	default:
		// Nobody draining; outcomes are best effort.
	}

	if p.bus == nil {
		return
	}
	if res.Err != nil {
		_, err := p.bus.Push(ctx, events.EventInput{
			Stream:  events.StreamErrors,
			Subject: res.Peer,
			Body:    res.Err.Error(),
			Payload: map[string]any{"task": res.TaskID},
		})
		if err != nil {
			p.logger.Warn("publish error event", "error", err)
		}
		return
	}
	_, err := p.bus.Push(ctx, events.EventInput{
		Stream:  events.StreamReplies,
		Subject: res.Peer,
		Body:    res.Reply,
		Payload: map[string]any{"task": res.TaskID, "inbound": res.Inbound, "sent": res.Sent},
	})
	if err != nil {
		p.logger.Warn("publish reply event", "error", err)
	}
}
