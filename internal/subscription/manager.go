package subscription

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/voltaic-io/telemux/internal/telemetry"
	logpkg "github.com/voltaic-io/telemux/pkg/log"
)

// Resolver maps a device to its owning node.
type Resolver interface {
	// Resolve returns the owning node's address, or ok=false when the local
	// node owns the device (or no owner resolves).
	Resolve(device telemetry.DeviceID) (addr string, ok bool)
}

// DataReader provides the stored-state reads replay depends on.
type DataReader interface {
	LoadLatestAttribute(ctx context.Context, device telemetry.DeviceID, scope, key string) (telemetry.DataPoint, bool, error)
	LoadTimeseriesRange(ctx context.Context, device telemetry.DeviceID, key string, fromExclusive, toInclusive int64) ([]telemetry.DataPoint, error)
}

// LocalDelivery pushes a serialized update to a directly connected session.
// Fire-and-forget: no acknowledgement surfaces here.
type LocalDelivery interface {
	Deliver(session SessionID, u Update)
}

// ClusterTransport relays registration, update, and close messages to a
// remote node. Fire-and-forget: errors propagate to the caller, which owns
// retry policy; no retry happens here.
type ClusterTransport interface {
	SendNewSubscription(ctx context.Context, addr string, session SessionID, rec Record) error
	SendUpdate(ctx context.Context, addr string, session SessionID, u Update) error
	SendSubscriptionClosed(ctx context.Context, addr string, session SessionID, subID int) error
	SendSessionClosed(ctx context.Context, addr string, session SessionID) error
}

// Options tunes a Manager.
type Options struct {
	// Shards is the number of device shards, each with its own index and
	// lock. Defaults to 16.
	Shards int
	// ReplayAttributeScope is the attribute scope replay reads from.
	// Defaults to telemetry.ScopeClient.
	ReplayAttributeScope string
	// NowMs supplies the current time for the replay upper bound. Defaults
	// to wall clock.
	NowMs func() int64
}

// shard owns one slice of the device space. Each shard's registry is
// single-writer under its own mutex; a device's records never span shards.
type shard struct {
	mu  sync.Mutex
	reg *Registry
}

// Manager is the subscription registry service: it places and forwards
// registrations, dispatches device updates, replays missed data for newly
// forwarded records, and prunes on session close and topology change.
type Manager struct {
	shards   []*shard
	resolver Resolver
	data     DataReader
	local    LocalDelivery
	cluster  ClusterTransport
	scope    string
	nowMs    func() int64
	logger   logpkg.Logger
}

// NewManager wires the registry service with its collaborators.
func NewManager(resolver Resolver, data DataReader, local LocalDelivery, cluster ClusterTransport, logger logpkg.Logger, opts Options) *Manager {
	if logger == nil {
		logger = logpkg.NewLogger().With(logpkg.Component("subscriptions"))
	}
	n := opts.Shards
	if n <= 0 {
		n = 16
	}
	scope := opts.ReplayAttributeScope
	if scope == "" {
		scope = telemetry.ScopeClient
	}
	now := opts.NowMs
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{reg: NewRegistry()}
	}
	return &Manager{
		shards:   shards,
		resolver: resolver,
		data:     data,
		local:    local,
		cluster:  cluster,
		scope:    scope,
		nowMs:    now,
		logger:   logger,
	}
}

func (m *Manager) shardFor(device telemetry.DeviceID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(device))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// RegisterLocal registers a subscription for a directly connected session.
// When the device resolves to a remote owner the record is forwarded there
// first and still tracked locally; a failed forward leaves the registry
// untouched.
func (m *Manager) RegisterLocal(ctx context.Context, session SessionID, device telemetry.DeviceID, req Request) error {
	sub, err := buildSubscription(session, device, req.SubscriptionID, req.Type, req.KeyCursors, req.Filter)
	if err != nil {
		return err
	}
	sub.LocalOrigin = true

	if addr, ok := m.resolver.Resolve(device); ok {
		sub.ForwardAddr = addr
		m.logger.Debug("forwarding subscription to owner",
			logpkg.Str("session", string(session)), logpkg.Int("sub", sub.ID),
			logpkg.Str("device", string(device)), logpkg.Str("owner", addr))
		if err := m.cluster.SendNewSubscription(ctx, addr, session, sub.Snapshot()); err != nil {
			return fmt.Errorf("forward subscription to %s: %w", addr, err)
		}
	} else {
		m.logger.Debug("registering local subscription",
			logpkg.Str("session", string(session)), logpkg.Int("sub", sub.ID),
			logpkg.Str("device", string(device)))
	}

	sh := m.shardFor(device)
	sh.mu.Lock()
	sh.reg.Register(sub)
	sh.mu.Unlock()
	return nil
}

// RegisterForeign registers a record another node forwarded here because this
// node owns the device, then replays whatever the origin missed while the
// registration was in flight.
func (m *Manager) RegisterForeign(ctx context.Context, from string, session SessionID, rec Record) error {
	sub, err := buildSubscription(session, rec.Device, rec.SubscriptionID, rec.Type, rec.KeyCursors, rec.Filter)
	if err != nil {
		return err
	}
	sub.OriginAddr = from
	m.logger.Debug("registering foreign subscription",
		logpkg.Str("session", string(session)), logpkg.Int("sub", sub.ID),
		logpkg.Str("device", string(rec.Device)), logpkg.Str("origin", from))

	sh := m.shardFor(rec.Device)
	sh.mu.Lock()
	sh.reg.Register(sub)
	sh.mu.Unlock()

	missed, err := m.replayMissed(ctx, sub, rec.KeyCursors)
	if err != nil {
		return err
	}
	if len(missed) == 0 {
		return nil
	}
	return m.cluster.SendUpdate(ctx, from, session, Update{SubscriptionID: sub.ID, Points: missed})
}

// replayMissed synthesizes the one-shot catch-up for a freshly registered
// foreign-origin record. Local-origin records get no equivalent: they are
// assumed to miss nothing between creation and the first live event.
func (m *Manager) replayMissed(ctx context.Context, sub *Subscription, cursors map[string]int64) ([]telemetry.DataPoint, error) {
	var missed []telemetry.DataPoint
	switch sub.Type {
	case TypeAttributes:
		for key, cur := range cursors {
			p, ok, err := m.data.LoadLatestAttribute(ctx, sub.Device, m.scope, key)
			if err != nil {
				return nil, err
			}
			if ok && p.Ts > cur {
				missed = append(missed, p)
			}
		}
	case TypeTimeseries:
		now := m.nowMs()
		for key, cur := range cursors {
			pts, err := m.data.LoadTimeseriesRange(ctx, sub.Device, key, cur, now)
			if err != nil {
				return nil, err
			}
			missed = append(missed, pts...)
		}
	default:
		return nil, fmt.Errorf("subscription: unknown type %d", uint8(sub.Type))
	}
	missed = sub.filterPoints(missed)
	sort.Slice(missed, func(i, j int) bool {
		if missed[i].Key != missed[j].Key {
			return missed[i].Key < missed[j].Key
		}
		return missed[i].Ts < missed[j].Ts
	})
	return missed, nil
}

// Unregister removes one subscription. A local-origin record that was
// forwarded tells the owner to drop its copy. Unknown records are a clean
// no-op.
func (m *Manager) Unregister(ctx context.Context, session SessionID, subID int) error {
	var removed *Subscription
	for _, sh := range m.shards {
		sh.mu.Lock()
		if s, ok := sh.reg.Unregister(session, subID); ok {
			removed = s
			sh.mu.Unlock()
			break
		}
		sh.mu.Unlock()
	}
	if removed == nil {
		m.logger.Debug("unregister: subscription not found",
			logpkg.Str("session", string(session)), logpkg.Int("sub", subID))
		return nil
	}
	if removed.LocalOrigin && removed.ForwardAddr != "" {
		if err := m.cluster.SendSubscriptionClosed(ctx, removed.ForwardAddr, session, subID); err != nil {
			return fmt.Errorf("notify owner %s of close: %w", removed.ForwardAddr, err)
		}
	}
	return nil
}

// Lookup returns a snapshot of the record for (session, id).
func (m *Manager) Lookup(session SessionID, subID int) (Record, bool) {
	for _, sh := range m.shards {
		sh.mu.Lock()
		if s, ok := sh.reg.Lookup(session, subID); ok {
			rec := s.Snapshot()
			sh.mu.Unlock()
			return rec, true
		}
		sh.mu.Unlock()
	}
	return Record{}, false
}

// outbound is a delivery decided under the shard lock and executed outside it.
type outbound struct {
	session SessionID
	local   bool
	addr    string
	update  Update
}

// OnDeviceUpdate routes a device data-change event. deltaFn computes, per
// subscription, the rows newer than that subscription's own cursors; it runs
// under the device's shard lock. Empty deltas are skipped entirely. Applied
// deltas advance cursors on both the local and the forwarded branch so replay
// math stays correct on this node.
func (m *Manager) OnDeviceUpdate(ctx context.Context, device telemetry.DeviceID, typ Type, deltaFn func(sub *Subscription) []telemetry.DataPoint) error {
	sh := m.shardFor(device)
	sh.mu.Lock()
	subs := sh.reg.DeviceSubscriptions(device)
	if len(subs) == 0 {
		sh.mu.Unlock()
		m.logger.Debug("no subscriptions for device", logpkg.Str("device", string(device)))
		return nil
	}
	var outs []outbound
	for _, s := range subs {
		if s.Type != typ {
			continue
		}
		delta := s.filterPoints(deltaFn(s))
		if len(delta) == 0 {
			continue
		}
		s.applyCursors(delta)
		outs = append(outs, outbound{
			session: s.Session,
			local:   s.LocalOrigin,
			addr:    s.OriginAddr,
			update:  Update{SubscriptionID: s.ID, Points: delta},
		})
	}
	sh.mu.Unlock()

	var errs []error
	for _, o := range outs {
		if o.local {
			m.local.Deliver(o.session, o.update)
			continue
		}
		if err := m.cluster.SendUpdate(ctx, o.addr, o.session, o.update); err != nil {
			errs = append(errs, fmt.Errorf("relay update to %s: %w", o.addr, err))
		}
	}
	return errors.Join(errs...)
}

// ApplyForeignUpdate handles a delta relayed back to this node because it is
// the session's home: advance the record's cursors and deliver locally.
// Unknown records are a clean no-op.
func (m *Manager) ApplyForeignUpdate(ctx context.Context, session SessionID, u Update) error {
	for _, sh := range m.shards {
		sh.mu.Lock()
		if s, ok := sh.reg.Lookup(session, u.SubscriptionID); ok {
			s.applyCursors(u.Points)
			sh.mu.Unlock()
			m.local.Deliver(session, u)
			return nil
		}
		sh.mu.Unlock()
	}
	m.logger.Debug("foreign update for unknown subscription",
		logpkg.Str("session", string(session)), logpkg.Int("sub", u.SubscriptionID))
	return nil
}

// CloseSession removes every subscription under the session. For a local
// session, each distinct forward address gets one session-closed
// notification. Closing an absent session is a no-op.
func (m *Manager) CloseSession(ctx context.Context, session SessionID, localSession bool) error {
	var removed []*Subscription
	for _, sh := range m.shards {
		sh.mu.Lock()
		removed = append(removed, sh.reg.RemoveSession(session)...)
		sh.mu.Unlock()
	}
	if len(removed) == 0 {
		m.logger.Debug("close: no subscriptions for session", logpkg.Str("session", string(session)))
		return nil
	}
	m.logger.Debug("removed session subscriptions",
		logpkg.Str("session", string(session)), logpkg.Int("count", len(removed)))
	if !localSession {
		return nil
	}
	seen := map[string]struct{}{}
	var addrs []string
	for _, s := range removed {
		if s.LocalOrigin && s.ForwardAddr != "" {
			if _, ok := seen[s.ForwardAddr]; !ok {
				seen[s.ForwardAddr] = struct{}{}
				addrs = append(addrs, s.ForwardAddr)
			}
		}
	}
	sort.Strings(addrs)
	var errs []error
	for _, addr := range addrs {
		if err := m.cluster.SendSessionClosed(ctx, addr, session); err != nil {
			errs = append(errs, fmt.Errorf("notify %s of session close: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// resend is a new-subscription message decided during rebalance.
type resend struct {
	addr    string
	session SessionID
	rec     Record
}

// OnTopologyChanged re-resolves ownership for every device with active
// subscriptions. Local-origin records follow the new owner (re-sent when the
// forward target changed); foreign-origin records whose device moved away are
// dropped — re-sync is the origin node's responsibility on its own rebalance
// pass.
func (m *Manager) OnTopologyChanged(ctx context.Context) error {
	var errs []error
	for _, sh := range m.shards {
		sh.mu.Lock()
		var resends []resend
		for _, device := range sh.reg.Devices() {
			owner, ok := m.resolver.Resolve(device)
			for _, s := range sh.reg.DeviceSubscriptions(device) {
				switch {
				case ok && s.LocalOrigin:
					if s.ForwardAddr != owner {
						s.ForwardAddr = owner
						resends = append(resends, resend{addr: owner, session: s.Session, rec: s.Snapshot()})
					}
				case ok:
					// Stale forwarding role for this device.
					m.logger.Debug("dropping foreign subscription after ownership move",
						logpkg.Str("session", string(s.Session)), logpkg.Int("sub", s.ID),
						logpkg.Str("device", string(device)), logpkg.Str("owner", owner))
					sh.reg.Drop(s)
				case s.LocalOrigin:
					// Locally pending again.
					s.ForwardAddr = ""
				default:
					// Foreign-origin, still owned here.
				}
			}
		}
		sh.mu.Unlock()
		for _, r := range resends {
			if err := m.cluster.SendNewSubscription(ctx, r.addr, r.session, r.rec); err != nil {
				errs = append(errs, fmt.Errorf("re-send subscription to %s: %w", r.addr, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of registered subscriptions across all shards.
func (m *Manager) Count() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		n += sh.reg.Len()
		sh.mu.Unlock()
	}
	return n
}

// Clear resets every shard's indexes. Used at shutdown.
func (m *Manager) Clear() {
	for _, sh := range m.shards {
		sh.mu.Lock()
		sh.reg.Clear()
		sh.mu.Unlock()
	}
}

func buildSubscription(session SessionID, device telemetry.DeviceID, subID int, typ Type, cursors map[string]int64, filter string) (*Subscription, error) {
	switch typ {
	case TypeAttributes, TypeTimeseries:
	default:
		return nil, fmt.Errorf("subscription: unknown type %d", uint8(typ))
	}
	filt, err := newUpdateFilter(filter)
	if err != nil {
		return nil, fmt.Errorf("subscription: compile filter: %w", err)
	}
	cp := make(map[string]int64, len(cursors))
	for k, v := range cursors {
		cp[k] = v
	}
	return &Subscription{
		ID:         subID,
		Session:    session,
		Device:     device,
		Type:       typ,
		KeyCursors: cp,
		Filter:     filter,
		filter:     filt,
	}, nil
}
