package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/signalsfoundry/dispatch-monitor/model"
)

// ErrUnknownCollection is returned when a wire batch names a collection the
// receiver does not serve.
var ErrUnknownCollection = errors.New("feed: unknown collection")

// WireChange is the JSON form of a single change.
type WireChange struct {
	Type   string         `json:"type"`
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields,omitempty"`
}

// WireBatch is the JSON form of a batch, as carried on NATS subjects and in
// replay files (one batch per line).
type WireBatch struct {
	Collection string       `json:"collection"`
	Size       int          `json:"size"`
	Changes    []WireChange `json:"changes"`
}

const wireBatchSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["collection", "size", "changes"],
  "properties": {
    "collection": {"type": "string", "minLength": 1},
    "size": {"type": "integer", "minimum": 0},
    "changes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "key"],
        "properties": {
          "type": {"enum": ["added", "modified", "removed", "insert", "update", "replace", "delete", "create"]},
          "key": {"type": "string", "minLength": 1},
          "fields": {"type": "object"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func wireSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("wire-batch.json", wireBatchSchema)
	})
	return schema, schemaErr
}

// DecodeBatch validates and converts one JSON wire batch.
func DecodeBatch(data []byte) (model.Batch, error) {
	sch, err := wireSchema()
	if err != nil {
		return model.Batch{}, fmt.Errorf("compile wire schema: %w", err)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return model.Batch{}, fmt.Errorf("decode wire batch: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return model.Batch{}, fmt.Errorf("invalid wire batch: %w", err)
	}

	var wb WireBatch
	if err := json.Unmarshal(data, &wb); err != nil {
		return model.Batch{}, fmt.Errorf("decode wire batch: %w", err)
	}
	return wb.Batch()
}

// Batch converts the wire form into a model batch.
func (wb WireBatch) Batch() (model.Batch, error) {
	b := model.Batch{Collection: wb.Collection, SnapshotSize: wb.Size}
	b.Changes = make([]model.Change, 0, len(wb.Changes))
	for i, wc := range wb.Changes {
		kind, err := model.ParseChangeKind(wc.Type)
		if err != nil {
			return model.Batch{}, fmt.Errorf("change %d: %w", i, err)
		}
		c := model.Change{Kind: kind, Key: wc.Key}
		if kind != model.Removed {
			c.Fields = model.Fields(wc.Fields)
			if c.Fields == nil {
				c.Fields = model.Fields{}
			}
		}
		b.Changes = append(b.Changes, c)
	}
	return b, nil
}

// EncodeBatch renders a model batch in wire form.
func EncodeBatch(b model.Batch) ([]byte, error) {
	wb := WireBatch{Collection: b.Collection, Size: b.SnapshotSize, Changes: make([]WireChange, 0, len(b.Changes))}
	for _, c := range b.Changes {
		wc := WireChange{Type: c.Kind.String(), Key: c.Key}
		if c.Kind != model.Removed {
			wc.Fields = map[string]any(c.Fields)
		}
		wb.Changes = append(wb.Changes, wc)
	}
	return json.Marshal(wb)
}
