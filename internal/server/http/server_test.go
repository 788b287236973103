package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/voltaic-io/telemux/internal/cluster"
	cfgpkg "github.com/voltaic-io/telemux/internal/config"
	"github.com/voltaic-io/telemux/internal/runtime"
	"github.com/voltaic-io/telemux/internal/server/ws"
	pebblestore "github.com/voltaic-io/telemux/internal/storage/pebble"
	"github.com/voltaic-io/telemux/internal/subscription"
	"github.com/voltaic-io/telemux/internal/telemetry"
	logpkg "github.com/voltaic-io/telemux/pkg/log"
)

type localOnlyResolver struct{}

func (localOnlyResolver) Resolve(telemetry.DeviceID) (string, bool) { return "", false }

type noopCluster struct{}

func (noopCluster) SendNewSubscription(context.Context, string, subscription.SessionID, subscription.Record) error {
	return nil
}
func (noopCluster) SendUpdate(context.Context, string, subscription.SessionID, subscription.Update) error {
	return nil
}
func (noopCluster) SendSubscriptionClosed(context.Context, string, subscription.SessionID, int) error {
	return nil
}
func (noopCluster) SendSessionClosed(context.Context, string, subscription.SessionID) error {
	return nil
}

type captureDelivery struct {
	mu      sync.Mutex
	updates []subscription.Update
}

func (c *captureDelivery) Deliver(_ subscription.SessionID, u subscription.Update) {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
}

func newTestServer(t *testing.T) (*Server, *subscription.Manager, *captureDelivery) {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	logger := logpkg.NewNop()
	local := &captureDelivery{}
	mgr := subscription.NewManager(localOnlyResolver{}, rt.Store(), local, noopCluster{}, logger, subscription.Options{})
	hub := ws.NewHub(logger)
	hub.Bind(mgr)
	return New(rt, mgr, hub, logger), mgr, local
}

func post(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestIngestTimeseriesDispatchesToSubscription(t *testing.T) {
	s, mgr, local := newTestServer(t)
	err := mgr.RegisterLocal(context.Background(), "sess-1", "dev-1", subscription.Request{
		SubscriptionID: 7,
		Type:           subscription.TypeTimeseries,
		KeyCursors:     map[string]int64{"temp": 0},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	w := post(t, s, "/v1/devices/telemetry", `{"device":"dev-1","type":"TIMESERIES","points":[{"key":"temp","ts":1000,"value":21.5}]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	if len(local.updates) != 1 || local.updates[0].SubscriptionID != 7 {
		t.Fatalf("updates: %+v", local.updates)
	}
	rows, err := s.rt.Store().LoadTimeseriesRange(context.Background(), "dev-1", "temp", 0, 1000)
	if err != nil || len(rows) != 1 {
		t.Fatalf("persisted rows: %v err: %v", rows, err)
	}
}

func TestIngestAttributePersistsUnderScope(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := post(t, s, "/v1/devices/telemetry", `{"device":"dev-2","type":"ATTRIBUTES","scope":"shared","points":[{"key":"fw","ts":5,"value":"1.2.0"}]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	p, ok, err := s.rt.Store().LoadLatestAttribute(context.Background(), "dev-2", telemetry.ScopeShared, "fw")
	if err != nil || !ok || p.Ts != 5 {
		t.Fatalf("attribute: %+v ok=%v err=%v", p, ok, err)
	}
}

func TestIngestRejectsMalformed(t *testing.T) {
	s, _, _ := newTestServer(t)
	if w := post(t, s, "/v1/devices/telemetry", `{"device":"","points":[]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty body status: %d", w.Code)
	}
	if w := post(t, s, "/v1/devices/telemetry", `{not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json status: %d", w.Code)
	}
}

func TestClusterNewSubscriptionRegistersForeign(t *testing.T) {
	s, mgr, _ := newTestServer(t)
	body := `{"from":"10.0.0.2:8090","session":"sess-9","record":{"subscriptionId":3,"device":"dev-9","type":"ATTRIBUTES","keyCursors":{"fw":0}}}`
	if w := post(t, s, cluster.PathNewSubscription, body); w.Code != http.StatusAccepted {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	rec, ok := mgr.Lookup("sess-9", 3)
	if !ok || rec.Device != "dev-9" {
		t.Fatalf("lookup: %+v ok=%v", rec, ok)
	}
}

func TestClusterNewSubscriptionRequiresOrigin(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := `{"session":"sess-9","record":{"subscriptionId":3,"device":"dev-9","type":"ATTRIBUTES"}}`
	if w := post(t, s, cluster.PathNewSubscription, body); w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestClusterSessionClosedRemovesRecords(t *testing.T) {
	s, mgr, _ := newTestServer(t)
	body := `{"from":"10.0.0.2:8090","session":"sess-5","record":{"subscriptionId":1,"device":"dev-5","type":"TIMESERIES","keyCursors":{"temp":0}}}`
	if w := post(t, s, cluster.PathNewSubscription, body); w.Code != http.StatusAccepted {
		t.Fatalf("register status: %d", w.Code)
	}
	if w := post(t, s, cluster.PathSessionClosed, `{"session":"sess-5"}`); w.Code != http.StatusAccepted {
		t.Fatalf("close status: %d", w.Code)
	}
	if _, ok := mgr.Lookup("sess-5", 1); ok {
		t.Fatalf("record survived session close")
	}
}

func TestClusterUpdateRelaysToLocalSession(t *testing.T) {
	s, mgr, local := newTestServer(t)
	err := mgr.RegisterLocal(context.Background(), "sess-2", "dev-2", subscription.Request{
		SubscriptionID: 4,
		Type:           subscription.TypeTimeseries,
		KeyCursors:     map[string]int64{"temp": 0},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	body := `{"session":"sess-2","update":{"subscriptionId":4,"points":[{"key":"temp","ts":9,"value":1}]}}`
	if w := post(t, s, cluster.PathUpdate, body); w.Code != http.StatusAccepted {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	if len(local.updates) != 1 || local.updates[0].SubscriptionID != 4 {
		t.Fatalf("updates: %+v", local.updates)
	}
}
