package subscription

import (
	"math/rand"
	"testing"

	"github.com/voltaic-io/telemux/internal/telemetry"
)

func newSub(session SessionID, subID int, device string) *Subscription {
	return &Subscription{
		ID:         subID,
		Session:    session,
		Device:     telemetry.DeviceID(device),
		Type:       TypeTimeseries,
		KeyCursors: map[string]int64{"temp": 0},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	s := newSub("s1", 1, "d1")
	r.Register(s)

	got, ok := r.Lookup("s1", 1)
	if !ok || got != s {
		t.Fatalf("lookup failed after register")
	}
	if _, ok := r.Lookup("s1", 2); ok {
		t.Fatalf("unexpected hit for unknown id")
	}
	if _, ok := r.Lookup("s2", 1); ok {
		t.Fatalf("unexpected hit for unknown session")
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("symmetry: %v", err)
	}
}

func TestUnregisterPrunesEmptyBuckets(t *testing.T) {
	r := NewRegistry()
	r.Register(newSub("s1", 1, "d1"))
	r.Register(newSub("s1", 2, "d1"))

	if _, ok := r.Unregister("s1", 1); !ok {
		t.Fatalf("expected removal")
	}
	if len(r.DeviceSubscriptions("d1")) != 1 {
		t.Fatalf("device bucket should retain one record")
	}
	if _, ok := r.Unregister("s1", 2); !ok {
		t.Fatalf("expected removal")
	}
	if len(r.Devices()) != 0 {
		t.Fatalf("device index should be empty after last removal")
	}
	if len(r.bySession) != 0 {
		t.Fatalf("session index should be empty after last removal")
	}
	if _, ok := r.Unregister("s1", 2); ok {
		t.Fatalf("double unregister must miss cleanly")
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("symmetry: %v", err)
	}
}

func TestRegisterOverwriteEvictsDisplacedRecord(t *testing.T) {
	r := NewRegistry()
	old := newSub("s1", 1, "d1")
	r.Register(old)
	repl := newSub("s1", 1, "d2")
	r.Register(repl)

	if got, _ := r.Lookup("s1", 1); got != repl {
		t.Fatalf("expected replacement record")
	}
	if len(r.DeviceSubscriptions("d1")) != 0 {
		t.Fatalf("displaced record must leave the device index")
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("symmetry: %v", err)
	}
}

func TestRemoveSession(t *testing.T) {
	r := NewRegistry()
	r.Register(newSub("s1", 1, "d1"))
	r.Register(newSub("s1", 2, "d2"))
	r.Register(newSub("s2", 1, "d1"))

	removed := r.RemoveSession("s1")
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	if len(r.DeviceSubscriptions("d1")) != 1 {
		t.Fatalf("s2's record must survive")
	}
	if len(r.DeviceSubscriptions("d2")) != 0 {
		t.Fatalf("d2 bucket must be pruned")
	}
	if removed := r.RemoveSession("s1"); removed != nil {
		t.Fatalf("second removal must return nil")
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("symmetry: %v", err)
	}
}

func TestDropRemovesBothSides(t *testing.T) {
	r := NewRegistry()
	s := newSub("s1", 1, "d1")
	r.Register(s)
	r.Drop(s)

	if _, ok := r.Lookup("s1", 1); ok {
		t.Fatalf("dropped record still in session index")
	}
	if len(r.Devices()) != 0 {
		t.Fatalf("dropped record still in device index")
	}
	// Dropping again is harmless.
	r.Drop(s)
	if err := r.Validate(); err != nil {
		t.Fatalf("symmetry: %v", err)
	}
}

// TestSymmetryUnderRandomOps drives the registry through a random
// register/unregister/drop/remove-session sequence and validates the
// dual-index invariant after every step.
func TestSymmetryUnderRandomOps(t *testing.T) {
	r := NewRegistry()
	rng := rand.New(rand.NewSource(42))
	sessions := []SessionID{"s1", "s2", "s3"}
	devices := []string{"d1", "d2", "d3", "d4"}

	for i := 0; i < 2000; i++ {
		sess := sessions[rng.Intn(len(sessions))]
		switch rng.Intn(4) {
		case 0:
			r.Register(newSub(sess, rng.Intn(5), devices[rng.Intn(len(devices))]))
		case 1:
			r.Unregister(sess, rng.Intn(5))
		case 2:
			if s, ok := r.Lookup(sess, rng.Intn(5)); ok {
				r.Drop(s)
			}
		case 3:
			r.RemoveSession(sess)
		}
		if err := r.Validate(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestClear(t *testing.T) {
	r := NewRegistry()
	r.Register(newSub("s1", 1, "d1"))
	r.Register(newSub("s2", 2, "d2"))
	r.Clear()
	if r.Len() != 0 || len(r.Devices()) != 0 {
		t.Fatalf("clear must reset both indexes")
	}
}
