package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordGroup(t *testing.T) {
	before := testutil.ToFloat64(GroupsTotal.WithLabelValues("meetup", "failure"))
	RecordGroup("meetup", false)
	after := testutil.ToFloat64(GroupsTotal.WithLabelValues("meetup", "failure"))
	if after != before+1 {
		t.Errorf("failure count = %v, want %v", after, before+1)
	}
}

func TestRecordReconciled(t *testing.T) {
	before := testutil.ToFloat64(EventsReconciled.WithLabelValues("luma", "updated"))
	RecordReconciled("luma", 2, 3, 0)
	after := testutil.ToFloat64(EventsReconciled.WithLabelValues("luma", "updated"))
	if after != before+3 {
		t.Errorf("updated count = %v, want %v", after, before+3)
	}
}

func TestTrackGroup(t *testing.T) {
	before := testutil.ToFloat64(GroupsInFlight)
	TrackGroup(true)
	if got := testutil.ToFloat64(GroupsInFlight); got != before+1 {
		t.Errorf("in flight = %v, want %v", got, before+1)
	}
	TrackGroup(false)
	if got := testutil.ToFloat64(GroupsInFlight); got != before {
		t.Errorf("in flight = %v, want %v", got, before)
	}
}

func TestRecordRun_SetsLastSuccess(t *testing.T) {
	RecordRun("success", time.Second)
	if got := testutil.ToFloat64(SyncLastSuccess); got == 0 {
		t.Error("last success timestamp not set")
	}
}

func TestHandler(t *testing.T) {
	RecordPublish("published")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "eventsync_domain_events_total") {
		t.Error("metrics output missing eventsync_domain_events_total")
	}
}
