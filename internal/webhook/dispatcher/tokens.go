package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subchain/internal/clock"
)

// webhookToken owns every armed timer of one webhook. Cancelling it stops
// the timers and aborts in-flight attempts derived from ctx.
type webhookToken struct {
	ctx    context.Context
	cancel context.CancelFunc
	timers map[snowflake.ID]*armedTimer
}

type armedTimer struct {
	timer clock.Timer
}

// tokenRegistry schedules attempts on the dispatcher clock, so retry
// backoff follows the same time source as next_attempt_at.
type tokenRegistry struct {
	clock  clock.Clock
	mu     sync.Mutex
	tokens map[snowflake.ID]*webhookToken
}

func newTokenRegistry(clk clock.Clock) *tokenRegistry {
	return &tokenRegistry{clock: clk, tokens: make(map[snowflake.ID]*webhookToken)}
}

func (r *tokenRegistry) tokenLocked(webhookID snowflake.ID) *webhookToken {
	tok, ok := r.tokens[webhookID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		tok = &webhookToken{ctx: ctx, cancel: cancel, timers: make(map[snowflake.ID]*armedTimer)}
		r.tokens[webhookID] = tok
	}
	return tok
}

// context returns the live cancellation context of a webhook.
func (r *tokenRegistry) context(webhookID snowflake.ID) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokenLocked(webhookID).ctx
}

// arm schedules fire after delay, replacing any timer the event already has.
func (r *tokenRegistry) arm(webhookID, eventID snowflake.ID, delay time.Duration, fire func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok := r.tokenLocked(webhookID)
	if previous, exists := tok.timers[eventID]; exists {
		previous.timer.Stop()
	}
	armed := &armedTimer{}
	tok.timers[eventID] = armed
	ctx := tok.ctx
	armed.timer = r.clock.AfterFunc(max(delay, 0), func() {
		if !r.disarm(webhookID, eventID, armed) {
			return
		}
		fire(ctx)
	})
}

// drop stops the timer of an event that reached a final state.
func (r *tokenRegistry) drop(webhookID, eventID snowflake.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[webhookID]
	if !ok {
		return
	}
	if armed, exists := tok.timers[eventID]; exists {
		armed.timer.Stop()
		delete(tok.timers, eventID)
	}
}

// disarm drops a fired timer. It reports false when the timer was cancelled
// or replaced in the meantime.
func (r *tokenRegistry) disarm(webhookID, eventID snowflake.ID, armed *armedTimer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[webhookID]
	if !ok || tok.timers[eventID] != armed {
		return false
	}
	delete(tok.timers, eventID)
	return tok.ctx.Err() == nil
}

// cancel stops all timers of a webhook and cancels its token. The next arm
// starts a fresh token.
func (r *tokenRegistry) cancel(webhookID snowflake.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[webhookID]
	if !ok {
		return 0
	}
	stopped := len(tok.timers)
	for _, armed := range tok.timers {
		armed.timer.Stop()
	}
	tok.cancel()
	delete(r.tokens, webhookID)
	return stopped
}

func (r *tokenRegistry) cancelAll() {
	r.mu.Lock()
	ids := make([]snowflake.ID, 0, len(r.tokens))
	for id := range r.tokens {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.cancel(id)
	}
}

func (r *tokenRegistry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, tok := range r.tokens {
		n += len(tok.timers)
	}
	return n
}

func (r *tokenRegistry) armedFor(webhookID snowflake.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tok, ok := r.tokens[webhookID]; ok {
		return len(tok.timers)
	}
	return 0
}
