package feed

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
	"github.com/signalsfoundry/dispatch-monitor/model"
)

// Mongo streams collections from a MongoDB replica set using change streams.
type Mongo struct {
	db  *mongo.Database
	log logging.Logger
}

// NewMongo wraps a database handle.
func NewMongo(db *mongo.Database, log logging.Logger) *Mongo {
	if log == nil {
		log = logging.Noop()
	}
	return &Mongo{db: db, log: log}
}

// DialMongo connects and pings the server.
func DialMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

var _ Source = (*Mongo)(nil)

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID any `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.M `bson:"fullDocument"`
}

// Subscribe implements Source. The change stream is opened before the
// initial read so no write between the two is lost; a change for a document
// already in the snapshot surfaces as Modified.
func (m *Mongo) Subscribe(ctx context.Context, collection string) (<-chan model.Batch, error) {
	coll := m.db.Collection(collection)

	stream, err := coll.Watch(ctx, mongo.Pipeline{},
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", collection, err)
	}

	initial, keys, err := m.snapshot(ctx, coll)
	if err != nil {
		_ = stream.Close(context.Background())
		return nil, err
	}

	out := make(chan model.Batch, 1)
	out <- initial
	go m.pump(ctx, collection, stream, keys, out)
	return out, nil
}

func (m *Mongo) snapshot(ctx context.Context, coll *mongo.Collection) (model.Batch, keySet, error) {
	cur, err := coll.Find(ctx, bson.D{})
	if err != nil {
		return model.Batch{}, nil, fmt.Errorf("find %s: %w", coll.Name(), err)
	}
	defer cur.Close(ctx)

	keys := make(keySet)
	b := model.Batch{Collection: coll.Name()}
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			m.log.Warn(ctx, "mongo feed: undecodable document", logging.Collection(coll.Name()), logging.Err(err))
			continue
		}
		key := documentKey(doc["_id"])
		c := model.Change{Kind: model.Added, Key: key, Fields: documentFields(doc)}
		keys.apply(c)
		b.Changes = append(b.Changes, c)
	}
	if err := cur.Err(); err != nil {
		return model.Batch{}, nil, fmt.Errorf("find %s: %w", coll.Name(), err)
	}
	sort.Slice(b.Changes, func(i, j int) bool { return b.Changes[i].Key < b.Changes[j].Key })
	b.SnapshotSize = len(keys)
	return b, keys, nil
}

func (m *Mongo) pump(ctx context.Context, collection string, stream *mongo.ChangeStream, keys keySet, out chan<- model.Batch) {
	defer close(out)
	defer stream.Close(context.Background())
	log := m.log.With(logging.Collection(collection))

	for stream.Next(ctx) {
		b := model.Batch{Collection: collection}
		end := false
		for {
			c, ok, terminal := m.decode(ctx, log, stream, keys)
			if ok {
				b.Changes = append(b.Changes, c)
			}
			if terminal {
				end = true
				break
			}
			// Coalesce whatever the driver already buffered.
			if stream.RemainingBatchLength() == 0 || !stream.TryNext(ctx) {
				break
			}
		}
		b.SnapshotSize = len(keys)
		if len(b.Changes) > 0 {
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
		if end {
			log.Warn(ctx, "mongo feed: change stream invalidated")
			return
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		log.Error(ctx, "mongo feed: change stream failed", logging.Err(err))
	}
}

func (m *Mongo) decode(ctx context.Context, log logging.Logger, stream *mongo.ChangeStream, keys keySet) (model.Change, bool, bool) {
	var ev changeEvent
	if err := stream.Decode(&ev); err != nil {
		log.Warn(ctx, "mongo feed: undecodable change", logging.Err(err))
		return model.Change{}, false, false
	}
	c, ok, terminal := convertChange(ev, keys)
	if ok {
		keys.apply(c)
	}
	return c, ok, terminal
}

// convertChange maps a change stream event onto a model change. The key set
// decides between Added and Modified so that events replayed over the
// initial snapshot stay consistent.
func convertChange(ev changeEvent, keys keySet) (model.Change, bool, bool) {
	key := documentKey(ev.DocumentKey.ID)
	switch ev.OperationType {
	case "insert", "update", "replace":
		if ev.FullDocument == nil {
			// Deleted before the lookup; the delete event follows.
			return model.Change{}, false, false
		}
		kind := model.Added
		if keys.has(key) {
			kind = model.Modified
		}
		return model.Change{Kind: kind, Key: key, Fields: documentFields(ev.FullDocument)}, true, false
	case "delete":
		if !keys.has(key) {
			return model.Change{}, false, false
		}
		return model.Change{Kind: model.Removed, Key: key}, true, false
	case "drop", "rename", "dropDatabase", "invalidate":
		return model.Change{}, false, true
	default:
		return model.Change{}, false, false
	}
}

// DeleteEntity removes a document by key. Keys that look like ObjectIDs match
// either representation. Driver errors are returned as-is so operators see the
// server's message. A document that is already gone is not an error: its
// removal reaches the dashboard through the change stream either way.
func (m *Mongo) DeleteEntity(ctx context.Context, collection, key string) error {
	res, err := m.db.Collection(collection).DeleteOne(ctx, deleteFilter(key))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		m.log.Info(ctx, "mongo feed: delete matched no document", logging.Collection(collection), logging.String("key", key))
	}
	return nil
}

func deleteFilter(key string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(key); err == nil {
		return bson.M{"_id": bson.M{"$in": bson.A{oid, key}}}
	}
	return bson.M{"_id": key}
}

func documentKey(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func documentFields(doc bson.M) model.Fields {
	out := make(model.Fields, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		out[k] = normalizeBSON(v)
	}
	return out
}

// normalizeBSON turns driver types into the plain maps, slices and scalars
// the policies expect.
func normalizeBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = normalizeBSON(vv)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = normalizeBSON(vv)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalizeBSON(e.Value)
		}
		return m
	case bson.A:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = normalizeBSON(vv)
		}
		return s
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = normalizeBSON(vv)
		}
		return s
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Decimal128:
		if f, err := strconv.ParseFloat(t.String(), 64); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
