package feed

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/signalsfoundry/dispatch-monitor/model"
)

func TestConvertChange(t *testing.T) {
	keys := keySet{"a": {}}
	ev := func(op string, id any, doc bson.M) changeEvent {
		var e changeEvent
		e.OperationType = op
		e.DocumentKey.ID = id
		e.FullDocument = doc
		return e
	}

	c, ok, end := convertChange(ev("insert", "b", bson.M{"_id": "b", "name": "x"}), keys)
	require.True(t, ok)
	assert.False(t, end)
	assert.Equal(t, model.Added, c.Kind)
	assert.Equal(t, model.Fields{"name": "x"}, c.Fields)

	c, ok, _ = convertChange(ev("insert", "a", bson.M{"_id": "a"}), keys)
	require.True(t, ok)
	assert.Equal(t, model.Modified, c.Kind, "replayed insert over snapshot")

	_, ok, _ = convertChange(ev("update", "a", nil), keys)
	assert.False(t, ok, "update without looked-up document")

	c, ok, _ = convertChange(ev("delete", "a", nil), keys)
	require.True(t, ok)
	assert.Equal(t, model.Removed, c.Kind)

	_, ok, _ = convertChange(ev("delete", "zzz", nil), keys)
	assert.False(t, ok)

	_, _, end = convertChange(ev("invalidate", nil, nil), keys)
	assert.True(t, end)
}

func TestNormalizeBSON(t *testing.T) {
	oid := primitive.NewObjectID()
	when := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	doc := bson.M{
		"_id":    oid,
		"rider":  oid,
		"pickup": bson.D{{Key: "lat", Value: 16.8}, {Key: "lng", Value: int32(96)}},
		"tags":   bson.A{"x", bson.M{"y": int64(1)}},
		"at":     primitive.NewDateTimeFromTime(when),
	}
	f := documentFields(doc)
	assert.NotContains(t, f, "_id")
	assert.Equal(t, oid.Hex(), f["rider"])
	pos, err := f.NestedPosition("pickup")
	require.NoError(t, err)
	assert.Equal(t, model.LatLng{Lat: 16.8, Lng: 96}, pos)
	assert.Equal(t, []any{"x", map[string]any{"y": int64(1)}}, f["tags"])
	at, ok := f["at"].(time.Time)
	require.True(t, ok)
	assert.True(t, when.Equal(at))
	assert.Equal(t, oid.Hex(), documentKey(oid))
	assert.Equal(t, "42", documentKey(int32(42)))
}

func TestDeleteFilter(t *testing.T) {
	assert.Equal(t, bson.M{"_id": "o1"}, deleteFilter("o1"))

	oid := primitive.NewObjectID()
	assert.Equal(t, bson.M{"_id": bson.M{"$in": bson.A{oid, oid.Hex()}}}, deleteFilter(oid.Hex()))
}

func TestMongoDeleteReturnsDriverError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI("mongodb://127.0.0.1:1").
		SetServerSelectionTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer client.Disconnect(context.Background())

	err = NewMongo(client.Database("dispatch"), nil).DeleteEntity(ctx, "orders", "o1")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "server selection"), err.Error())
}

func TestMongoLive(t *testing.T) {
	uri := os.Getenv("DISPATCH_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("DISPATCH_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := DialMongo(ctx, uri)
	require.NoError(t, err)
	defer client.Disconnect(context.Background())

	db := client.Database("dispatch_monitor_test_" + primitive.NewObjectID().Hex())
	defer db.Drop(context.Background())
	coll := db.Collection("orders")
	_, err = coll.InsertOne(ctx, bson.M{"_id": "o1", "status": "pending"})
	require.NoError(t, err)

	src := NewMongo(db, nil)
	ch, err := src.Subscribe(ctx, "orders")
	require.NoError(t, err)
	first := recv(t, ch)
	assert.Equal(t, 1, first.SnapshotSize)

	_, err = coll.InsertOne(ctx, bson.M{"_id": "o2", "status": "pending"})
	require.NoError(t, err)
	b := recv(t, ch)
	assert.Equal(t, model.Added, b.Changes[0].Kind)
	assert.Equal(t, 2, b.SnapshotSize)

	require.NoError(t, src.DeleteEntity(ctx, "orders", "o1"))
	b = recv(t, ch)
	assert.Equal(t, model.Removed, b.Changes[0].Kind)

	// Already gone is not a failure.
	require.NoError(t, src.DeleteEntity(ctx, "orders", "o1"))
}
