package metricsexport

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSinkPublishesExpectedSeries(t *testing.T) {
	s := New()
	s.SetGlobal(3, 10, 5)
	s.AddOpened(2)
	s.AddClosed(1)
	s.AddOrphaned(0)
	s.Publish(Delta{
		Direction:   Ingress,
		Backend:     "10.1.0.5",
		Mbps:        1.5,
		Pps:         120,
		ActiveFlows: 4,
		ClosedFlows: 1,
		DeltaBytes:  4096,
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"xlb_global_backends_available 3",
		"xlb_global_connections_active 10",
		"xlb_global_clients_active 5",
		"xlb_global_connections_opened 2",
		"xlb_global_connections_closed 1",
		`xlb_mbps{backend="10.1.0.5",direction="ingress"} 1.5`,
		`xlb_bytes{backend="10.1.0.5",direction="ingress"} 4096`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("response missing %q\nfull body:\n%s", want, body)
		}
	}
}
