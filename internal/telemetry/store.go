package telemetry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/voltaic-io/telemux/internal/storage/pebble"
)

// Store reads and writes device telemetry on a Pebble keyspace.
type Store struct {
	db *pebblestore.DB
}

// NewStore wraps an open database.
func NewStore(db *pebblestore.DB) *Store { return &Store{db: db} }

// attrRecord is the stored form of a latest-attribute value.
type attrRecord struct {
	Ts    int64           `json:"ts"`
	Value json.RawMessage `json:"value"`
}

// SaveAttribute stores the latest value for an attribute key. Last write wins.
func (s *Store) SaveAttribute(ctx context.Context, device DeviceID, scope string, p DataPoint) error {
	b, err := json.Marshal(attrRecord{Ts: p.Ts, Value: p.Value})
	if err != nil {
		return fmt.Errorf("telemetry: encode attribute %s: %w", p.Key, err)
	}
	return s.db.Set(KeyAttribute(device, scope, p.Key), b)
}

// LoadLatestAttribute returns the latest stored value for an attribute key.
// Absence is not an error.
func (s *Store) LoadLatestAttribute(ctx context.Context, device DeviceID, scope, key string) (DataPoint, bool, error) {
	raw, err := s.db.Get(KeyAttribute(device, scope, key))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return DataPoint{}, false, nil
		}
		return DataPoint{}, false, err
	}
	var rec attrRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return DataPoint{}, false, fmt.Errorf("telemetry: decode attribute %s: %w", key, err)
	}
	return DataPoint{Key: key, Ts: rec.Ts, Value: rec.Value}, true, nil
}

// SaveTimeseries appends points for a device in one batch.
func (s *Store) SaveTimeseries(ctx context.Context, device DeviceID, points []DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, p := range points {
		if p.Ts < 0 {
			return fmt.Errorf("telemetry: negative timestamp for key %s", p.Key)
		}
		if err := b.Set(KeyTimeseries(device, p.Key, uint64(p.Ts)), p.Value, nil); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(ctx, b)
}

// LoadTimeseriesRange returns points for one key in (fromExclusive,
// toInclusive], ascending by timestamp.
func (s *Store) LoadTimeseriesRange(ctx context.Context, device DeviceID, key string, fromExclusive, toInclusive int64) ([]DataPoint, error) {
	if toInclusive <= fromExclusive {
		return nil, nil
	}
	lower := KeyTimeseries(device, key, uint64(fromExclusive)+1)
	upper := KeyTimeseries(device, key, uint64(toInclusive)+1)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	prefixLen := len(KeyTimeseriesPrefix(device, key))
	var out []DataPoint
	for it.First(); it.Valid(); it.Next() {
		k := it.Key()
		if len(k) != prefixLen+8 {
			continue
		}
		ts := binary.BigEndian.Uint64(k[prefixLen:])
		v, verr := it.ValueAndErr()
		if verr != nil {
			return nil, verr
		}
		out = append(out, DataPoint{Key: key, Ts: int64(ts), Value: append(json.RawMessage(nil), v...)})
	}
	return out, it.Error()
}
