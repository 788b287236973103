package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voltaic-io/telemux/internal/subscription"
)

func TestHTTPTransportPostsMessages(t *testing.T) {
	var gotPath string
	var gotBody NewSubscriptionMsg
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	tr := NewHTTPTransport("10.0.0.1:8090", 0)
	rec := subscription.Record{SubscriptionID: 3, Device: "dev-1", Type: subscription.TypeAttributes}
	if err := tr.SendNewSubscription(context.Background(), addr, "sess-1", rec); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != PathNewSubscription {
		t.Fatalf("path: %s", gotPath)
	}
	if gotBody.From != "10.0.0.1:8090" || gotBody.Session != "sess-1" || gotBody.Record.SubscriptionID != 3 {
		t.Fatalf("body: %+v", gotBody)
	}
}

func TestHTTPTransportSurfacesPeerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	tr := NewHTTPTransport("10.0.0.1:8090", 0)
	err := tr.SendSessionClosed(context.Background(), addr, "sess-1")
	if err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestHTTPTransportUnreachablePeer(t *testing.T) {
	tr := NewHTTPTransport("10.0.0.1:8090", 0)
	err := tr.SendUpdate(context.Background(), "127.0.0.1:1", "sess-1", subscription.Update{SubscriptionID: 1})
	if err == nil {
		t.Fatal("expected error for unreachable peer")
	}
}
