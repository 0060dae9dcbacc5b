package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
	"github.com/signalsfoundry/dispatch-monitor/model"
)

// scriptedNext returns each payload in turn and then blocks until ctx ends.
func scriptedNext(ctx context.Context, payloads ...string) func() ([]byte, error) {
	i := 0
	return func() ([]byte, error) {
		if i < len(payloads) {
			p := payloads[i]
			i++
			return []byte(p), nil
		}
		<-ctx.Done()
		return nil, errors.New("iterator stopped")
	}
}

func TestConsumeWireFoldsBacklog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := scriptedNext(ctx,
		`{"collection":"orders","size":2,"changes":[{"type":"added","key":"b","fields":{"n":1}},{"type":"added","key":"a","fields":{"n":1}}]}`,
		`{"collection":"orders","size":1,"changes":[{"type":"removed","key":"b"}]}`,
		`garbage`,
		`{"collection":"orders","size":2,"changes":[{"type":"added","key":"c","fields":{"n":2}}]}`,
	)
	out := make(chan model.Batch)
	go consumeWire(ctx, logging.Noop(), "orders", 3, next, out)

	first := recv(t, out)
	assert.Equal(t, 1, first.SnapshotSize)
	require.Len(t, first.Changes, 1)
	assert.Equal(t, "a", first.Changes[0].Key)
	assert.Equal(t, model.Added, first.Changes[0].Kind)

	live := recv(t, out)
	assert.Equal(t, "c", live.Changes[0].Key)
	assert.Equal(t, 2, live.SnapshotSize)

	cancel()
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumeWireEmptyBacklog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := scriptedNext(ctx,
		`{"collection":"customers","size":9,"changes":[]}`,
		`{"collection":"orders","size":1,"changes":[{"type":"added","key":"x","fields":{}}]}`,
	)
	out := make(chan model.Batch)
	go consumeWire(ctx, logging.Noop(), "orders", 0, next, out)

	first := recv(t, out)
	assert.Empty(t, first.Changes)
	assert.Zero(t, first.SnapshotSize)

	live := recv(t, out)
	assert.Equal(t, "x", live.Changes[0].Key, "batches for other collections are dropped")
}

func TestSubjectNaming(t *testing.T) {
	n := &NATS{prefix: "dispatch"}
	assert.Equal(t, "dispatch.orders", n.Subject(model.CollectionOrders))
	assert.Equal(t, "dispatch-commands.delete.orders", n.CommandSubject(model.CollectionOrders))
}

func TestDeleteReply(t *testing.T) {
	assert.NoError(t, deleteReply(nil))
	assert.NoError(t, deleteReply([]byte(`{}`)))
	assert.EqualError(t, deleteReply([]byte(`{"error":"order already picked up"}`)), "order already picked up")
	assert.Error(t, deleteReply([]byte(`not json`)))
}

func TestAnswerDeleteRoundTrip(t *testing.T) {
	var got []string
	del := func(_ context.Context, collection, key string) error {
		got = append(got, collection+"/"+key)
		if key == "o2" {
			return errors.New("order o2 is already on its way")
		}
		return nil
	}
	ctx := context.Background()

	reply := answerDelete(ctx, []byte(`{"collection":"orders","key":"o1"}`), del)
	assert.NoError(t, deleteReply(reply))

	reply = answerDelete(ctx, []byte(`{"collection":"orders","key":"o2"}`), del)
	assert.EqualError(t, deleteReply(reply), "order o2 is already on its way")

	reply = answerDelete(ctx, []byte(`{"key":"o3"}`), del)
	assert.EqualError(t, deleteReply(reply), "malformed delete command")

	assert.Equal(t, []string{"orders/o1", "orders/o2"}, got)
}
