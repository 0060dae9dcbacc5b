package cancel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/dispatch-monitor/timectrl"
)

// Request is a confirmation prompt as shown to operators.
type Request struct {
	Token      string    `json:"token"`
	Collection string    `json:"collection"`
	Key        string    `json:"key"`
	Text       string    `json:"text"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Publisher shows and withdraws prompts on operator screens.
type Publisher interface {
	PromptOpened(Request)
	PromptClosed(token string)
}

// Broker is a Confirmer that asks connected operators and waits for one of
// them to answer. Any number of prompts may be outstanding at once.
type Broker struct {
	pub     Publisher
	clock   timectrl.Clock
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingPrompt
	// expired remembers timed-out tokens until the stored time so a late
	// answer is reported as expired rather than unknown.
	expired map[string]time.Time
}

type pendingPrompt struct {
	req      Request
	answer   chan bool
	resolved bool
}

// expiredGrace is how long a timed-out token keeps answering ErrPromptExpired.
const expiredGrace = 10 * time.Minute

// NewBroker constructs a broker. A non-positive timeout waits until ctx ends.
func NewBroker(pub Publisher, timeout time.Duration, clock timectrl.Clock) *Broker {
	if clock == nil {
		clock = timectrl.Real{}
	}
	return &Broker{
		pub:     pub,
		clock:   clock,
		timeout: timeout,
		pending: make(map[string]*pendingPrompt),
		expired: make(map[string]time.Time),
	}
}

var _ Confirmer = (*Broker)(nil)

// Confirm implements Confirmer. Whichever of answer, expiry or ctx resolves
// the prompt first under the broker lock decides the result.
func (b *Broker) Confirm(ctx context.Context, p Prompt) (bool, error) {
	req := Request{
		Token:      uuid.NewString(),
		Collection: p.Collection,
		Key:        p.Key,
		Text:       p.Text,
	}
	var expire <-chan time.Time
	if b.timeout > 0 {
		req.ExpiresAt = b.clock.Now().Add(b.timeout)
		expire = b.clock.After(b.timeout)
	}

	pp := &pendingPrompt{req: req, answer: make(chan bool, 1)}
	b.mu.Lock()
	b.pending[req.Token] = pp
	b.mu.Unlock()
	defer b.pub.PromptClosed(req.Token)

	b.pub.PromptOpened(req)

	select {
	case ok := <-pp.answer:
		return ok, nil
	case <-expire:
		if ok, answered := b.settle(pp, true); answered {
			return ok, nil
		}
		return false, ErrPromptExpired
	case <-ctx.Done():
		if ok, answered := b.settle(pp, false); answered {
			return ok, nil
		}
		return false, ctx.Err()
	}
}

// settle withdraws pp unless an answer was already accepted, in which case
// that answer is returned. Expired tokens are remembered for expiredGrace.
func (b *Broker) settle(pp *pendingPrompt, expired bool) (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pp.resolved {
		return <-pp.answer, true
	}
	pp.resolved = true
	delete(b.pending, pp.req.Token)
	if expired {
		b.pruneExpiredLocked()
		b.expired[pp.req.Token] = b.clock.Now().Add(expiredGrace)
	}
	return false, false
}

// Answer resolves an outstanding prompt. Only the first answer counts; an
// answer after the deadline gets ErrPromptExpired.
func (b *Broker) Answer(token string, ok bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pp, found := b.pending[token]
	if !found {
		if until, gone := b.expired[token]; gone && b.clock.Now().Before(until) {
			return ErrPromptExpired
		}
		return ErrPromptNotFound
	}
	if !pp.req.ExpiresAt.IsZero() && !b.clock.Now().Before(pp.req.ExpiresAt) {
		return ErrPromptExpired
	}
	pp.resolved = true
	delete(b.pending, token)
	pp.answer <- ok
	return nil
}

// Pending lists outstanding prompts, oldest deadline first, so a newly
// connected screen can show them.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	out := make([]Request, 0, len(b.pending))
	for _, pp := range b.pending {
		out = append(out, pp.req)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].Token < out[j].Token
	})
	return out
}

func (b *Broker) pruneExpiredLocked() {
	now := b.clock.Now()
	for token, until := range b.expired {
		if !now.Before(until) {
			delete(b.expired, token)
		}
	}
}
