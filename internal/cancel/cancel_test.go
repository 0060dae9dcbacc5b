package cancel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/dispatch-monitor/internal/audit"
	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
	"github.com/signalsfoundry/dispatch-monitor/internal/notify"
	"github.com/signalsfoundry/dispatch-monitor/timectrl"
)

type fixedConfirmer struct {
	ok     bool
	err    error
	prompt Prompt
}

func (f *fixedConfirmer) Confirm(_ context.Context, p Prompt) (bool, error) {
	f.prompt = p
	return f.ok, f.err
}

type fakeDeleter struct {
	err   error
	calls []string
}

func (f *fakeDeleter) DeleteEntity(_ context.Context, collection, key string) error {
	f.calls = append(f.calls, collection+"/"+key)
	return f.err
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeAudit) Record(_ context.Context, e audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

type outcomeCounter map[string]int

func (c outcomeCounter) RecordCancellation(outcome string) { c[outcome]++ }

type harness struct {
	svc     *Service
	confirm *fixedConfirmer
	deleter *fakeDeleter
	audit   *fakeAudit
	metrics outcomeCounter
	notes   []notify.Notification
}

func newHarness(ok bool, confirmErr, deleteErr error) *harness {
	h := &harness{
		confirm: &fixedConfirmer{ok: ok, err: confirmErr},
		deleter: &fakeDeleter{err: deleteErr},
		audit:   &fakeAudit{},
		metrics: outcomeCounter{},
	}
	h.svc = NewService(h.confirm, h.deleter,
		WithNotifier(notify.Func(func(n notify.Notification) { h.notes = append(h.notes, n) })),
		WithAudit(h.audit),
		WithMetrics(h.metrics),
		WithLogger(logging.Noop()),
		WithClock(timectrl.NewManual(time.Unix(500, 0))),
		WithDeleteTimeout(time.Second),
	)
	return h
}

func TestCancelConfirmed(t *testing.T) {
	h := newHarness(true, nil, nil)
	ctx := logging.ContextWithRequestID(context.Background(), "req-9")

	out, err := h.svc.Cancel(ctx, "orders", "o1")
	require.NoError(t, err)
	assert.Equal(t, Confirmed, out)
	assert.Equal(t, "Cancel order o1?", h.confirm.prompt.Text)
	assert.Equal(t, []string{"orders/o1"}, h.deleter.calls)
	require.Len(t, h.notes, 1)
	assert.Equal(t, notify.LevelSuccess, h.notes[0].Level)
	assert.Equal(t, "Order o1 cancelled", h.notes[0].Text)

	require.Len(t, h.audit.entries, 1)
	e := h.audit.entries[0]
	assert.Equal(t, "confirmed", e.Outcome)
	assert.Equal(t, "req-9", e.RequestID)
	assert.Equal(t, time.Unix(500, 0), e.At)
	assert.Equal(t, 1, h.metrics["confirmed"])
}

func TestCancelDeclinedDoesNothing(t *testing.T) {
	h := newHarness(false, nil, nil)
	out, err := h.svc.Cancel(context.Background(), "orders", "o1")
	require.NoError(t, err)
	assert.Equal(t, Declined, out)
	assert.Empty(t, h.deleter.calls)
	assert.Empty(t, h.notes)
	assert.Equal(t, "declined", h.audit.entries[0].Outcome)
}

func TestCancelExpired(t *testing.T) {
	h := newHarness(false, ErrPromptExpired, nil)
	out, err := h.svc.Cancel(context.Background(), "orders", "o1")
	require.NoError(t, err)
	assert.Equal(t, Expired, out)
	assert.Empty(t, h.deleter.calls)
	assert.Equal(t, 1, h.metrics["expired"])
}

func TestCancelDeleteFailureSurfacesMessage(t *testing.T) {
	h := newHarness(true, nil, errors.New("Missing or insufficient permissions."))
	out, err := h.svc.Cancel(context.Background(), "orders", "o1")
	require.Error(t, err)
	assert.Equal(t, Failed, out)
	require.Len(t, h.notes, 1)
	assert.Equal(t, notify.LevelError, h.notes[0].Level)
	assert.Equal(t, "Missing or insufficient permissions.", h.notes[0].Text)
	assert.Equal(t, "Missing or insufficient permissions.", h.audit.entries[0].Detail)
}

func TestCancelConfirmError(t *testing.T) {
	h := newHarness(false, context.Canceled, nil)
	out, err := h.svc.Cancel(context.Background(), "orders", "o1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, out)
	assert.Empty(t, h.deleter.calls)
}

func TestCancelThroughBroker(t *testing.T) {
	pub := newRecordingPublisher()
	b := NewBroker(pub, time.Minute, timectrl.NewManual(time.Unix(0, 0)))
	del := &fakeDeleter{}
	svc := NewService(b, del)

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := svc.Cancel(context.Background(), "orders", "o7")
		done <- result{out, err}
	}()

	req := waitPrompt(t, pub)
	assert.Equal(t, "Cancel order o7?", req.Text)
	require.NoError(t, b.Answer(req.Token, true))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, Confirmed, r.out)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not finish")
	}
	assert.Equal(t, []string{"orders/o7"}, del.calls)
}
