package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollectorsRegisterAndScrape(t *testing.T) {
	m := New("test")
	m.PeersConnected.Set(3)
	m.MessagesTotal.WithLabelValues("HELLO").Inc()
	m.RelayBytesTotal.Add(65536)
	m.TransfersTotal.WithLabelValues("COMPLETE").Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	for _, want := range []string{
		"audiowallet_peers 3",
		`audiowallet_messages_total{type="HELLO"} 1`,
		"audiowallet_relay_bytes_total 65536",
		`audiowallet_transfers_total{state="COMPLETE"} 1`,
		`audiowallet_info{version="test"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("scrape output missing %q", want)
		}
	}
}

func TestIsolatedRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	_ = New("a")
	_ = New("b")
}
