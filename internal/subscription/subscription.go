// Package subscription implements the distributed subscription registry and
// update router: a dual device/session index over live interest registrations,
// cluster-aware placement and forwarding, missed-update replay, and
// rebalance-on-topology-change.
package subscription

import (
	"encoding/json"
	"fmt"

	"github.com/voltaic-io/telemux/internal/telemetry"
)

// SessionID identifies a client session. Opaque to the registry; the
// websocket hub mints them, remote nodes echo them back.
type SessionID string

// Type says which kind of device data a subscription follows.
type Type uint8

const (
	// TypeAttributes follows latest-value attribute keys.
	TypeAttributes Type = iota + 1
	// TypeTimeseries follows time-series keys.
	TypeTimeseries
)

// String returns the wire name of the type.
func (t Type) String() string {
	switch t {
	case TypeAttributes:
		return "ATTRIBUTES"
	case TypeTimeseries:
		return "TIMESERIES"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// MarshalJSON encodes the type by wire name.
func (t Type) MarshalJSON() ([]byte, error) {
	switch t {
	case TypeAttributes, TypeTimeseries:
		return json.Marshal(t.String())
	}
	return nil, fmt.Errorf("subscription: cannot encode unknown type %d", uint8(t))
}

// UnmarshalJSON decodes a wire type name.
func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "ATTRIBUTES":
		*t = TypeAttributes
	case "TIMESERIES":
		*t = TypeTimeseries
	default:
		return fmt.Errorf("subscription: unknown type %q", s)
	}
	return nil
}

// Subscription is one registered interest in a device's keys, scoped to a
// session. Records are shared between the device and session indexes; all
// structural change goes through the Registry so the two cannot diverge.
type Subscription struct {
	// ID is unique within the owning session. Uniqueness is the caller's
	// contract; a repeat id overwrites.
	ID      int
	Session SessionID
	Device  telemetry.DeviceID
	Type    Type

	// KeyCursors maps key to the last-seen timestamp, mutated on every
	// applied update.
	KeyCursors map[string]int64

	// LocalOrigin is true iff the consuming session is directly connected to
	// this node.
	LocalOrigin bool
	// ForwardAddr is the owning node's address. Meaningful only when
	// LocalOrigin is true and the device is currently owned elsewhere; a
	// foreign-origin record never carries one.
	ForwardAddr string
	// OriginAddr is the session's home node. Set only on foreign-origin
	// records; live deltas and replay for the record are relayed to it.
	OriginAddr string

	// Filter is an optional CEL expression evaluated per data point. It
	// travels with forwarded records and is recompiled on the receiving node.
	Filter string

	filter updateFilter
}

// Request describes a subscription a session wants to register.
type Request struct {
	SubscriptionID int              `json:"subscriptionId"`
	Type           Type             `json:"type"`
	KeyCursors     map[string]int64 `json:"keyCursors"`
	Filter         string           `json:"filter,omitempty"`
}

// Record is the wire form of a subscription forwarded between nodes. Cursors
// are a point-in-time copy; origin/forwarding locality is per-node state and
// does not travel.
type Record struct {
	SubscriptionID int                `json:"subscriptionId"`
	Device         telemetry.DeviceID `json:"device"`
	Type           Type               `json:"type"`
	KeyCursors     map[string]int64   `json:"keyCursors"`
	Filter         string             `json:"filter,omitempty"`
}

// Snapshot copies the subscription into its wire form. Callers must hold the
// owning shard's lock.
func (s *Subscription) Snapshot() Record {
	cursors := make(map[string]int64, len(s.KeyCursors))
	for k, v := range s.KeyCursors {
		cursors[k] = v
	}
	return Record{
		SubscriptionID: s.ID,
		Device:         s.Device,
		Type:           s.Type,
		KeyCursors:     cursors,
		Filter:         s.Filter,
	}
}

// filterPoints drops points the subscription's filter rejects. Without a
// filter it returns the input unchanged.
func (s *Subscription) filterPoints(points []telemetry.DataPoint) []telemetry.DataPoint {
	if !s.filter.enabled {
		return points
	}
	out := points[:0:0]
	for _, p := range points {
		if s.filter.Eval(s.Device, p) {
			out = append(out, p)
		}
	}
	return out
}

// applyCursors advances KeyCursors from the given points, last write wins per
// key: a later update always overwrites the cursor regardless of its
// timestamp relative to other keys.
func (s *Subscription) applyCursors(points []telemetry.DataPoint) {
	for _, p := range points {
		s.KeyCursors[p.Key] = p.Ts
	}
}

// Update is one aggregated delivery for a subscription.
type Update struct {
	SubscriptionID int                   `json:"subscriptionId"`
	Points         []telemetry.DataPoint `json:"points"`
}

// DeltaNewerThanCursors builds a delta function over a batch of incoming
// points: a subscription receives the points for keys it tracks whose
// timestamp is strictly newer than its cursor for that key.
func DeltaNewerThanCursors(points []telemetry.DataPoint) func(*Subscription) []telemetry.DataPoint {
	return func(s *Subscription) []telemetry.DataPoint {
		var out []telemetry.DataPoint
		for _, p := range points {
			cur, tracked := s.KeyCursors[p.Key]
			if tracked && p.Ts > cur {
				out = append(out, p)
			}
		}
		return out
	}
}
