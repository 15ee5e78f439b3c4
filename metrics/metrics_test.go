package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRecordedSeries(t *testing.T) {
	ObserveJudge("vision", "resolved_release", 1500*time.Millisecond)
	RecordConsensus("resolved_release")
	RecordSweep(2, 1, 0, 40*time.Millisecond)
	RecordDividend("distributed", 9_000)
	RecordDividend("nothing_to_distribute", 0)
	RecordGateway("mock", "release", "ok")
	RecordOutbox("escrow.released", "sent")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	body := string(raw)

	for _, want := range []string{
		`escrowflow_council_judge_calls_total{judge="vision",outcome="resolved_release"}`,
		`escrowflow_council_judge_duration_seconds_bucket{judge="vision"`,
		`escrowflow_council_consensus_total{decision="resolved_release"}`,
		`escrowflow_autorelease_slices_total{result="released"}`,
		`escrowflow_autorelease_sweep_duration_seconds_count`,
		`escrowflow_dividend_runs_total{outcome="nothing_to_distribute"}`,
		`escrowflow_dividend_paid_minor_units_total`,
		`escrowflow_gateway_calls_total{backend="mock",op="release",result="ok"}`,
		`escrowflow_outbox_messages_total{result="sent",topic="escrow.released"}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape is missing %s", want)
		}
	}
}
