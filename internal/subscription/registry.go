package subscription

import (
	"fmt"

	"github.com/voltaic-io/telemux/internal/telemetry"
)

// Registry holds the dual index over subscription records: by device and by
// session, both pointing at the same records. It performs no locking: every
// operation assumes it runs inside one logical serialization domain. The
// Manager reinstates that contract with one mutex per device shard; any other
// caller owns the same obligation.
type Registry struct {
	byDevice  map[telemetry.DeviceID]map[*Subscription]struct{}
	bySession map[SessionID]map[int]*Subscription
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byDevice:  make(map[telemetry.DeviceID]map[*Subscription]struct{}),
		bySession: make(map[SessionID]map[int]*Subscription),
	}
}

// Register inserts the record in both indexes. A record with the same
// (session, id) overwrites; the displaced record is evicted from the device
// index so no orphan survives.
func (r *Registry) Register(s *Subscription) {
	sess := r.bySession[s.Session]
	if sess == nil {
		sess = make(map[int]*Subscription)
		r.bySession[s.Session] = sess
	}
	if prev, ok := sess[s.ID]; ok && prev != s {
		r.dropFromDevice(prev)
	}
	sess[s.ID] = s

	devs := r.byDevice[s.Device]
	if devs == nil {
		devs = make(map[*Subscription]struct{})
		r.byDevice[s.Device] = devs
	}
	devs[s] = struct{}{}
}

// Unregister removes the record for (session, id) from both indexes, pruning
// emptied buckets. Absence returns (nil, false) cleanly.
func (r *Registry) Unregister(session SessionID, subID int) (*Subscription, bool) {
	sess, ok := r.bySession[session]
	if !ok {
		return nil, false
	}
	s, ok := sess[subID]
	if !ok {
		return nil, false
	}
	delete(sess, subID)
	if len(sess) == 0 {
		delete(r.bySession, session)
	}
	r.dropFromDevice(s)
	return s, true
}

// Lookup returns the record for (session, id).
func (r *Registry) Lookup(session SessionID, subID int) (*Subscription, bool) {
	sess, ok := r.bySession[session]
	if !ok {
		return nil, false
	}
	s, ok := sess[subID]
	return s, ok
}

// RemoveSession removes every record under the session, pruning the device
// index as needed, and returns the removed records. Unknown sessions return
// nil.
func (r *Registry) RemoveSession(session SessionID) []*Subscription {
	sess, ok := r.bySession[session]
	if !ok {
		return nil
	}
	removed := make([]*Subscription, 0, len(sess))
	for _, s := range sess {
		r.dropFromDevice(s)
		removed = append(removed, s)
	}
	delete(r.bySession, session)
	return removed
}

// Drop removes a single record from both indexes. Used by rebalance when a
// foreign-origin record's device ownership moves away.
func (r *Registry) Drop(s *Subscription) {
	r.dropFromDevice(s)
	sess, ok := r.bySession[s.Session]
	if !ok {
		return
	}
	if cur, ok := sess[s.ID]; ok && cur == s {
		delete(sess, s.ID)
		if len(sess) == 0 {
			delete(r.bySession, s.Session)
		}
	}
}

// Devices returns a snapshot of device ids with active subscriptions.
func (r *Registry) Devices() []telemetry.DeviceID {
	out := make([]telemetry.DeviceID, 0, len(r.byDevice))
	for d := range r.byDevice {
		out = append(out, d)
	}
	return out
}

// DeviceSubscriptions returns a snapshot of the records for a device. The
// snapshot tolerates Drop/Unregister while iterating.
func (r *Registry) DeviceSubscriptions(device telemetry.DeviceID) []*Subscription {
	devs, ok := r.byDevice[device]
	if !ok {
		return nil
	}
	out := make([]*Subscription, 0, len(devs))
	for s := range devs {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered records.
func (r *Registry) Len() int {
	n := 0
	for _, sess := range r.bySession {
		n += len(sess)
	}
	return n
}

// Clear resets both indexes.
func (r *Registry) Clear() {
	r.byDevice = make(map[telemetry.DeviceID]map[*Subscription]struct{})
	r.bySession = make(map[SessionID]map[int]*Subscription)
}

func (r *Registry) dropFromDevice(s *Subscription) {
	devs, ok := r.byDevice[s.Device]
	if !ok {
		return
	}
	delete(devs, s)
	if len(devs) == 0 {
		delete(r.byDevice, s.Device)
	}
}

// Validate checks the dual-index symmetry invariant: a record is reachable
// from the device index iff it is reachable from the session index, and
// neither index retains an empty bucket. A violation is a programming defect.
func (r *Registry) Validate() error {
	for d, devs := range r.byDevice {
		if len(devs) == 0 {
			return fmt.Errorf("registry: empty device bucket %s", d)
		}
		for s := range devs {
			cur, ok := r.bySession[s.Session][s.ID]
			if !ok || cur != s {
				return fmt.Errorf("registry: record %s/%d in device index but not session index", s.Session, s.ID)
			}
		}
	}
	for sid, sess := range r.bySession {
		if len(sess) == 0 {
			return fmt.Errorf("registry: empty session bucket %s", sid)
		}
		for _, s := range sess {
			if _, ok := r.byDevice[s.Device][s]; !ok {
				return fmt.Errorf("registry: record %s/%d in session index but not device index", sid, s.ID)
			}
		}
	}
	return nil
}
