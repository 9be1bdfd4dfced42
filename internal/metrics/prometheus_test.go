package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, g prometheus.Gatherer) string {
	t.Helper()
	srv := httptest.NewServer(Handler(g))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNew_RegistersAndServes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.DatagramsReceived.Inc()
	m.Responses.WithLabelValues("login", "success").Inc()
	m.InFlight.Inc()
	m.InFlight.Dec()

	body := scrape(t, reg)
	for _, want := range []string{
		"udpauth_datagrams_received_total 1",
		`udpauth_responses_total{action="login",status="success"} 1`,
		"udpauth_inflight_jobs 0",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("%q missing from exposition:\n%s", want, body)
		}
	}
}

func TestNew_NilRegistererIsUsable(t *testing.T) {
	t.Parallel()
	m := New(nil)
	m.EncodingErrors.Inc()
	m.HandleSeconds.WithLabelValues("get_info").Observe(0.01)
	m.StoreFlushes.WithLabelValues("ok").Inc()
}

func TestNew_TwoInstancesOnSeparateRegistries(t *testing.T) {
	t.Parallel()
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
