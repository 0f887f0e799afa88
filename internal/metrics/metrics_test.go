package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRelayMetrics(t *testing.T) {
	Init()
	CommandEnqueued()
	CommandTransition("done")
	FrameDropped("malformed")
	SetSessionsOnline("target", 2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	for _, want := range []string{
		"cmdrelay_commands_enqueued_total",
		`cmdrelay_command_transitions_total{status="done"}`,
		`cmdrelay_frames_dropped_total{reason="malformed"}`,
		`cmdrelay_sessions_online{role="target"} 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
