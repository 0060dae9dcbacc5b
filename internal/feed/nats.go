package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
	"github.com/signalsfoundry/dispatch-monitor/model"
)

// NATS consumes wire batches published by an upstream bridge on JetStream
// subjects named "<prefix>.<collection>". Each subscription uses an ordered
// consumer replaying the subject from the start of the stream; everything
// already stored when the subscription opens is folded into the first batch.
type NATS struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	prefix string
	log    logging.Logger
}

// NewNATS binds to a JetStream context on nc.
func NewNATS(nc *nats.Conn, stream, prefix string, log logging.Logger) (*NATS, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}
	return &NATS{nc: nc, js: js, stream: stream, prefix: prefix, log: log}, nil
}

var _ Source = (*NATS)(nil)

// Subject returns the subject carrying a collection's batches.
func (n *NATS) Subject(collection string) string {
	return n.prefix + "." + collection
}

// EnsureStream creates the backing stream when it does not exist yet.
// In production the stream is usually provisioned ahead of time.
func (n *NATS) EnsureStream(ctx context.Context) error {
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     n.stream,
		Subjects: []string{n.prefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", n.stream, err)
	}
	return nil
}

// Publish sends one batch on the collection's subject.
func (n *NATS) Publish(ctx context.Context, b model.Batch) error {
	data, err := EncodeBatch(b)
	if err != nil {
		return err
	}
	if _, err := n.js.Publish(ctx, n.Subject(b.Collection), data); err != nil {
		return fmt.Errorf("publish %s: %w", b.Collection, err)
	}
	return nil
}

// CommandSubject returns the request subject the upstream bridge answers
// delete commands on. It sits outside the stream's subject space so requests
// are not captured as batches.
func (n *NATS) CommandSubject(collection string) string {
	return n.prefix + "-commands.delete." + collection
}

type deleteCommand struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

type deleteResult struct {
	Error string `json:"error,omitempty"`
}

// DeleteEntity asks the upstream bridge to delete a document and waits for its
// reply. The bridge's error text is returned unchanged.
func (n *NATS) DeleteEntity(ctx context.Context, collection, key string) error {
	data, err := json.Marshal(deleteCommand{Collection: collection, Key: key})
	if err != nil {
		return err
	}
	msg, err := n.nc.RequestWithContext(ctx, n.CommandSubject(collection), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("delete %s/%s: no bridge is answering %s", collection, key, n.CommandSubject(collection))
		}
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return deleteReply(msg.Data)
}

// ServeDeletes answers delete commands for every collection with del until
// ctx ends. It is the bridge side of DeleteEntity.
func (n *NATS) ServeDeletes(ctx context.Context, del func(ctx context.Context, collection, key string) error) error {
	sub, err := n.nc.Subscribe(n.CommandSubject("*"), func(msg *nats.Msg) {
		if err := msg.Respond(answerDelete(ctx, msg.Data, del)); err != nil {
			n.log.Warn(ctx, "nats feed: delete reply failed", logging.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe delete commands: %w", err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

func answerDelete(ctx context.Context, data []byte, del func(ctx context.Context, collection, key string) error) []byte {
	var res deleteResult
	var cmd deleteCommand
	switch {
	case json.Unmarshal(data, &cmd) != nil || cmd.Collection == "" || cmd.Key == "":
		res.Error = "malformed delete command"
	default:
		if err := del(ctx, cmd.Collection, cmd.Key); err != nil {
			res.Error = err.Error()
		}
	}
	out, _ := json.Marshal(res)
	return out
}

func deleteReply(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var res deleteResult
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("malformed delete reply: %w", err)
	}
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return nil
}

// Subscribe implements Source.
func (n *NATS) Subscribe(ctx context.Context, collection string) (<-chan model.Batch, error) {
	subject := n.Subject(collection)

	st, err := n.js.Stream(ctx, n.stream)
	if err != nil {
		return nil, fmt.Errorf("lookup stream %s: %w", n.stream, err)
	}
	info, err := st.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return nil, fmt.Errorf("stream info %s: %w", n.stream, err)
	}
	backlog := int(info.State.Subjects[subject])

	cons, err := n.js.OrderedConsumer(ctx, n.stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return nil, fmt.Errorf("ordered consumer %s: %w", subject, err)
	}
	it, err := cons.Messages()
	if err != nil {
		return nil, fmt.Errorf("message iterator %s: %w", subject, err)
	}

	next := func() ([]byte, error) {
		msg, err := it.Next()
		if err != nil {
			return nil, err
		}
		return msg.Data(), nil
	}
	out := make(chan model.Batch)
	go func() {
		<-ctx.Done()
		it.Stop()
	}()
	go consumeWire(ctx, n.log.With(logging.Collection(collection)), collection, backlog, next, out)
	return out, nil
}

// consumeWire reads payloads from next until it fails. The first backlog
// payloads are folded into the initial snapshot batch.
func consumeWire(ctx context.Context, log logging.Logger, collection string, backlog int, next func() ([]byte, error), out chan<- model.Batch) {
	defer close(out)

	send := func(b model.Batch) bool {
		select {
		case out <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}

	snap := newSnapshot()
	for read := 0; read < backlog; read++ {
		data, err := next()
		if err != nil {
			logIteratorEnd(ctx, log, err)
			return
		}
		if b, ok := decodeFor(ctx, log, collection, data); ok {
			snap.apply(b)
		}
	}
	if !send(snap.batch(collection)) {
		return
	}

	for {
		data, err := next()
		if err != nil {
			logIteratorEnd(ctx, log, err)
			return
		}
		if b, ok := decodeFor(ctx, log, collection, data); ok {
			if !send(b) {
				return
			}
		}
	}
}

func decodeFor(ctx context.Context, log logging.Logger, collection string, data []byte) (model.Batch, bool) {
	b, err := DecodeBatch(data)
	if err != nil {
		log.Warn(ctx, "nats feed: dropping invalid batch", logging.Err(err))
		return model.Batch{}, false
	}
	if b.Collection != collection {
		log.Warn(ctx, "nats feed: dropping batch for another collection",
			logging.Err(fmt.Errorf("%w: %s", ErrUnknownCollection, b.Collection)))
		return model.Batch{}, false
	}
	return b, true
}

func logIteratorEnd(ctx context.Context, log logging.Logger, err error) {
	if ctx.Err() != nil || errors.Is(err, jetstream.ErrMsgIteratorClosed) {
		return
	}
	log.Error(ctx, "nats feed: iterator failed", logging.Err(err))
}

// snapshot folds replayed batches into the current document set.
type snapshot struct {
	docs map[string]model.Fields
	size int
	seen bool
}

func newSnapshot() *snapshot {
	return &snapshot{docs: make(map[string]model.Fields)}
}

func (s *snapshot) apply(b model.Batch) {
	for _, c := range b.Changes {
		if c.Kind == model.Removed {
			delete(s.docs, c.Key)
			continue
		}
		s.docs[c.Key] = c.Fields
	}
	s.size = b.SnapshotSize
	s.seen = true
}

func (s *snapshot) batch(collection string) model.Batch {
	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := model.Batch{Collection: collection, SnapshotSize: len(s.docs)}
	if s.seen {
		b.SnapshotSize = s.size
	}
	for _, k := range keys {
		b.Changes = append(b.Changes, model.Change{Kind: model.Added, Key: k, Fields: s.docs[k]})
	}
	return b
}
