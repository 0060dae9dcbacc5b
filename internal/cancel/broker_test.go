package cancel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/dispatch-monitor/timectrl"
)

type recordingPublisher struct {
	mu     sync.Mutex
	opened []Request
	closed []string
	notify chan Request
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{notify: make(chan Request, 8)}
}

func (p *recordingPublisher) PromptOpened(r Request) {
	p.mu.Lock()
	p.opened = append(p.opened, r)
	p.mu.Unlock()
	p.notify <- r
}

func (p *recordingPublisher) PromptClosed(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, token)
}

func (p *recordingPublisher) closedTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.closed...)
}

func waitPrompt(t *testing.T, p *recordingPublisher) Request {
	t.Helper()
	select {
	case r := <-p.notify:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("prompt not published")
		return Request{}
	}
}

type confirmResult struct {
	ok  bool
	err error
}

func confirmAsync(b *Broker, ctx context.Context, p Prompt) <-chan confirmResult {
	done := make(chan confirmResult, 1)
	go func() {
		ok, err := b.Confirm(ctx, p)
		done <- confirmResult{ok, err}
	}()
	return done
}

func waitResult(t *testing.T, ch <-chan confirmResult) confirmResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("confirm did not return")
		return confirmResult{}
	}
}

func TestBrokerAnswer(t *testing.T) {
	for _, answer := range []bool{true, false} {
		pub := newRecordingPublisher()
		clock := timectrl.NewManual(time.Unix(100, 0))
		b := NewBroker(pub, time.Minute, clock)

		done := confirmAsync(b, context.Background(), Prompt{Collection: "orders", Key: "o1", Text: "Cancel order o1?"})
		req := waitPrompt(t, pub)
		assert.Equal(t, "o1", req.Key)
		assert.Equal(t, time.Unix(160, 0), req.ExpiresAt)
		assert.NotEmpty(t, req.Token)
		assert.Len(t, b.Pending(), 1)

		require.NoError(t, b.Answer(req.Token, answer))
		res := waitResult(t, done)
		require.NoError(t, res.err)
		assert.Equal(t, answer, res.ok)

		assert.ErrorIs(t, b.Answer(req.Token, true), ErrPromptNotFound)
		assert.Equal(t, []string{req.Token}, pub.closedTokens())
		assert.Empty(t, b.Pending())
	}
}

func TestBrokerExpiry(t *testing.T) {
	pub := newRecordingPublisher()
	clock := timectrl.NewManual(time.Unix(0, 0))
	b := NewBroker(pub, 30*time.Second, clock)

	done := confirmAsync(b, context.Background(), Prompt{Collection: "orders", Key: "o1"})
	req := waitPrompt(t, pub)

	clock.Advance(30 * time.Second)
	res := waitResult(t, done)
	assert.ErrorIs(t, res.err, ErrPromptExpired)
	assert.False(t, res.ok)
	assert.Empty(t, b.Pending())
	assert.Equal(t, []string{req.Token}, pub.closedTokens())

	// A late answer is told the prompt expired until the grace period lapses.
	assert.ErrorIs(t, b.Answer(req.Token, true), ErrPromptExpired)
	clock.Advance(expiredGrace)
	assert.ErrorIs(t, b.Answer(req.Token, true), ErrPromptNotFound)
}

func TestBrokerAcceptedAnswerWinsOverExpiry(t *testing.T) {
	pub := newRecordingPublisher()
	clock := timectrl.NewManual(time.Unix(0, 0))
	b := NewBroker(pub, 30*time.Second, clock)

	done := confirmAsync(b, context.Background(), Prompt{Collection: "orders", Key: "o1"})
	req := waitPrompt(t, pub)

	require.NoError(t, b.Answer(req.Token, true))
	clock.Advance(30 * time.Second)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.True(t, res.ok)
	assert.ErrorIs(t, b.Answer(req.Token, true), ErrPromptNotFound)
}

func TestBrokerContextCancel(t *testing.T) {
	pub := newRecordingPublisher()
	b := NewBroker(pub, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := confirmAsync(b, ctx, Prompt{Collection: "orders", Key: "o1"})
	req := waitPrompt(t, pub)
	assert.True(t, req.ExpiresAt.IsZero())

	cancel()
	res := waitResult(t, done)
	assert.ErrorIs(t, res.err, context.Canceled)
}

func TestBrokerConcurrentPrompts(t *testing.T) {
	pub := newRecordingPublisher()
	b := NewBroker(pub, time.Minute, timectrl.NewManual(time.Unix(0, 0)))

	first := confirmAsync(b, context.Background(), Prompt{Collection: "orders", Key: "a"})
	r1 := waitPrompt(t, pub)
	second := confirmAsync(b, context.Background(), Prompt{Collection: "orders", Key: "b"})
	r2 := waitPrompt(t, pub)
	assert.NotEqual(t, r1.Token, r2.Token)
	assert.Len(t, b.Pending(), 2)

	require.NoError(t, b.Answer(r2.Token, true))
	assert.True(t, waitResult(t, second).ok)
	require.NoError(t, b.Answer(r1.Token, false))
	assert.False(t, waitResult(t, first).ok)
}
