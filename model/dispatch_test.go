package model

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChangeKind(t *testing.T) {
	cases := map[string]ChangeKind{
		"added": Added, "insert": Added, "create": Added,
		"modified": Modified, "update": Modified, "replace": Modified,
		"removed": Removed, "delete": Removed,
	}
	for in, want := range cases {
		got, err := ParseChangeKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseChangeKind("drop")
	assert.Error(t, err)
	assert.Equal(t, "ChangeKind(9)", ChangeKind(9).String())
}

func TestBatchHasAdds(t *testing.T) {
	assert.False(t, Batch{}.HasAdds())
	assert.False(t, Batch{Changes: []Change{{Kind: Modified, Key: "a"}, {Kind: Removed, Key: "b"}}}.HasAdds())
	assert.True(t, Batch{Changes: []Change{{Kind: Removed, Key: "b"}, {Kind: Added, Key: "c"}}}.HasAdds())
}

func TestFieldsCloneIsDeep(t *testing.T) {
	orig := Fields{
		"pickup": map[string]any{"lat": 16.8, "lng": 96.1},
		"tags":   []any{"hot", map[string]any{"k": "v"}},
	}
	cp := orig.Clone()
	cp["pickup"].(map[string]any)["lat"] = 0.0
	cp["tags"].([]any)[1].(map[string]any)["k"] = "changed"

	assert.Equal(t, 16.8, orig["pickup"].(map[string]any)["lat"])
	assert.Equal(t, "v", orig["tags"].([]any)[1].(map[string]any)["k"])
	assert.Nil(t, Fields(nil).Clone())
}

func TestPositionAcceptsNumericKinds(t *testing.T) {
	for _, f := range []Fields{
		{"lat": 16.8, "lng": 96.1},
		{"lat": float32(16), "lng": int64(96)},
		{"lat": int32(16), "lng": uint(96)},
	} {
		p, err := f.Position()
		require.NoError(t, err, "%v", f)
		assert.True(t, p.Valid())
	}
}

func TestPositionRejectsUnusable(t *testing.T) {
	for _, f := range []Fields{
		{},
		{"lat": 16.8},
		{"lat": "16.8", "lng": 96.1},
		{"lat": 91.0, "lng": 96.1},
		{"lat": math.NaN(), "lng": 96.1},
		{"lat": 16.8, "lng": math.Inf(1)},
	} {
		_, err := f.Position()
		assert.ErrorIs(t, err, ErrMissingPosition, "%v", f)
	}
}

func TestRiderAndCustomerLabels(t *testing.T) {
	r, err := RiderFromFields("r1", Fields{"lat": 16.8, "lng": 96.1, "name": "  "})
	require.NoError(t, err)
	assert.Equal(t, "🚴 Rider", r.Label())

	_, err = RiderFromFields("r2", Fields{"name": "Ko Ko"})
	assert.True(t, errors.Is(err, ErrMissingPosition))

	c, err := CustomerFromFields("c1", Fields{"lat": 16.8, "lng": 96.1, "name": "U Ba", "phone": "09-1"})
	require.NoError(t, err)
	assert.Equal(t, "U Ba (09-1)", c.Label())

	c, err = CustomerFromFields("c2", Fields{"lat": 16.8, "lng": 96.1})
	require.NoError(t, err)
	assert.Equal(t, "Customer", c.Label())
}

func TestOrderFromFields(t *testing.T) {
	o, err := OrderFromFields("o1", Fields{
		"status":  "pending",
		"item":    "Mohinga",
		"fee":     2500,
		"pickup":  Fields{"lat": 16.79, "lng": 96.16},
		"dropoff": map[string]any{"lat": 16.80, "lng": 96.15},
	})
	require.NoError(t, err)
	assert.False(t, o.Completed())
	assert.True(t, o.HasFee)
	assert.Contains(t, o.Label(), "Mohinga")
	assert.Contains(t, o.Label(), "fee 2500")

	_, err = OrderFromFields("o2", Fields{"status": "pending", "pickup": Fields{"lat": 1.0, "lng": 2.0}})
	assert.ErrorIs(t, err, ErrMissingPosition)

	done := Order{Status: OrderStatusCompleted}
	assert.True(t, done.Completed())
}
