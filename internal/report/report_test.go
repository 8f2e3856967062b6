package report

import (
	"testing"

	"github.com/proxy-loadgen/internal/pool"
	"github.com/proxy-loadgen/internal/types"
)

func TestTrackerSnapshot(t *testing.T) {
	tr := NewTracker(false)

	tr.RecordRequest(types.ErrorNone, 0.1)
	tr.RecordRequest(types.ErrorNone, 0.1)
	tr.RecordRequest(types.ErrorNon2xx, 0.1)
	tr.RecordRequest(types.ErrorTimeout, 0.1)

	snap := tr.Snapshot()
	if snap.RequestsSent != 4 {
		t.Fatalf("expected 4 sent, got %d", snap.RequestsSent)
	}
	if snap.RequestsSucceeded != 2 {
		t.Fatalf("expected 2 succeeded under 2xx policy, got %d", snap.RequestsSucceeded)
	}
	if snap.RequestsFailed != 2 {
		t.Fatalf("expected 2 failed, got %d", snap.RequestsFailed)
	}
	if snap.PerKind[types.ErrorTimeout] != 1 {
		t.Fatalf("expected 1 timeout, got %d", snap.PerKind[types.ErrorTimeout])
	}
}

func TestTrackerAnyResponsePolicy(t *testing.T) {
	tr := NewTracker(true)

	tr.RecordRequest(types.ErrorNone, 0.1)
	tr.RecordRequest(types.ErrorNon2xx, 0.1)
	tr.RecordRequest(types.ErrorConnect, 0.1)

	snap := tr.Snapshot()
	if snap.RequestsSucceeded != 2 {
		t.Fatalf("expected 2 succeeded under any-response policy, got %d", snap.RequestsSucceeded)
	}
}

func TestBuildIncludesPoolState(t *testing.T) {
	stats := types.RunStats{RequestsSent: 5, RequestsSucceeded: 5}
	endpoints := []pool.Endpoint{
		{Address: "1.1.1.1:8080", Scheme: "http", State: pool.Healthy},
		{Address: "2.2.2.2:8080", Scheme: "socks5", State: pool.Banned, ConsecutiveFailures: 6},
	}

	rep := Build("http://example.com", 3, stats, endpoints)

	if rep.Target != "http://example.com" || rep.Workers != 3 {
		t.Fatalf("unexpected report header: %+v", rep)
	}
	if len(rep.Proxies) != 2 {
		t.Fatalf("expected 2 proxy summaries, got %d", len(rep.Proxies))
	}
	if rep.Proxies[1].State != "banned" || rep.Proxies[1].ConsecutiveFailures != 6 {
		t.Fatalf("unexpected proxy summary: %+v", rep.Proxies[1])
	}
}
