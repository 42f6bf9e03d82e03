package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
	"github.com/njoerd114/eventsync/internal/state"
	"github.com/njoerd114/eventsync/internal/version"
)

var (
	testLogger = slog.Default()
	testEnv    = config.MapEnv{}
	baseTime   = time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func latestRun(t *testing.T, s *state.Store) *model.SyncRun {
	t.Helper()
	runs, err := s.RecentRuns(context.Background(), 1)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) == 0 {
		t.Fatal("no sync run recorded")
	}
	return runs[0]
}

func countEvents(t *testing.T, s *state.Store) int {
	t.Helper()
	n, err := s.CountEvents(context.Background())
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	return n
}

// ---------------------------------------------------------------------------
// Idempotency
// ---------------------------------------------------------------------------

func TestRunOnce_Idempotent(t *testing.T) {
	store := openTestStore(t)
	meetup := newMockProvider(model.PlatformMeetup)
	meetup.setEvents("golang-nyc",
		canonicalEvent(model.PlatformMeetup, "e1", "Talk night", baseTime.Add(24*time.Hour)),
		canonicalEvent(model.PlatformMeetup, "e2", "Workshop", baseTime.Add(48*time.Hour)),
		canonicalEvent(model.PlatformMeetup, "e3", "Social", baseTime.Add(72*time.Hour)),
	)
	pub := &mockPublisher{}
	e := NewEngine(store, newRegistry(meetup), testEnv,
		testOptions(map[model.Platform][]string{model.PlatformMeetup: {"golang-nyc"}}),
		testLogger, WithClock(fixedClock(baseTime)), WithPublisher(pub))

	report, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if !report.Success || report.Total != 1 || report.Succeeded != 1 {
		t.Errorf("report = %+v", report)
	}
	if got := report.Results[0].EventsCreated; got != 3 {
		t.Errorf("EventsCreated = %d, want 3", got)
	}
	if pub.count(model.ChangeEventCreated) != 3 || pub.count(model.ChangeGroupCreated) != 1 {
		t.Errorf("published %d event.created / %d group.created, want 3 / 1",
			pub.count(model.ChangeEventCreated), pub.count(model.ChangeGroupCreated))
	}

	report, err = e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	r := report.Results[0]
	if r.EventsCreated != 0 || r.EventsUpdated != 0 || r.EventsDeleted != 0 {
		t.Errorf("second pass wrote %d/%d/%d, want 0/0/0", r.EventsCreated, r.EventsUpdated, r.EventsDeleted)
	}
	if n := countEvents(t, store); n != 3 {
		t.Errorf("events = %d, want 3", n)
	}
	run := latestRun(t, store)
	if run.Status != model.RunSuccess || run.Changes() != 0 {
		t.Errorf("second run = %s with %d changes, want success with 0", run.Status, run.Changes())
	}
}

func TestRunOnce_UpdatesChangedContentOnly(t *testing.T) {
	store := openTestStore(t)
	meetup := newMockProvider(model.PlatformMeetup)
	meetup.setEvents("g",
		canonicalEvent(model.PlatformMeetup, "e1", "Talk night", baseTime.Add(24*time.Hour)),
		canonicalEvent(model.PlatformMeetup, "e2", "Workshop", baseTime.Add(48*time.Hour)),
	)
	pub := &mockPublisher{}
	e := NewEngine(store, newRegistry(meetup), testEnv,
		testOptions(map[model.Platform][]string{model.PlatformMeetup: {"g"}}),
		testLogger, WithClock(fixedClock(baseTime)), WithPublisher(pub))
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	cancelled := canonicalEvent(model.PlatformMeetup, "e2", "Workshop", baseTime.Add(48*time.Hour))
	cancelled.Status = model.StatusCancelled
	meetup.setEvents("g",
		canonicalEvent(model.PlatformMeetup, "e1", "Talk night (room change)", baseTime.Add(24*time.Hour)),
		cancelled,
	)
	report, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if got := report.Results[0].EventsUpdated; got != 2 {
		t.Errorf("EventsUpdated = %d, want 2", got)
	}
	if pub.count(model.ChangeEventUpdated) != 1 || pub.count(model.ChangeEventCancelled) != 1 {
		t.Errorf("published %d updated / %d cancelled, want 1 / 1",
			pub.count(model.ChangeEventUpdated), pub.count(model.ChangeEventCancelled))
	}

	ev, err := store.EventByNaturalKey(context.Background(), model.PlatformMeetup, "e1")
	if err != nil || ev == nil {
		t.Fatalf("EventByNaturalKey: %v, %v", ev, err)
	}
	if ev.Title != "Talk night (room change)" {
		t.Errorf("Title = %q", ev.Title)
	}
}

// ---------------------------------------------------------------------------
// Uniqueness
// ---------------------------------------------------------------------------

func TestRunOnce_ConcurrentGroupsShareNaturalKey(t *testing.T) {
	store := openTestStore(t)
	luma := newMockProvider(model.PlatformLuma)
	shared := canonicalEvent(model.PlatformLuma, "evt-shared", "Co-hosted", baseTime.Add(24*time.Hour))
	luma.setEvents("cal-a", shared)
	luma.setEvents("cal-b", shared)

	e := NewEngine(store, newRegistry(luma), testEnv,
		testOptions(map[model.Platform][]string{model.PlatformLuma: {"cal-a", "cal-b"}}),
		testLogger, WithClock(fixedClock(baseTime)))
	report, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", report.Succeeded)
	}
	if n := countEvents(t, store); n != 1 {
		t.Errorf("events = %d, want exactly 1 row per natural key", n)
	}
	created := 0
	for _, r := range report.Results {
		created += r.EventsCreated
	}
	if created != 1 {
		t.Errorf("created across groups = %d, want 1", created)
	}
}

// ---------------------------------------------------------------------------
// Failure handling
// ---------------------------------------------------------------------------

func TestRunOnce_PartialFailure(t *testing.T) {
	store := openTestStore(t)
	meetup := newMockProvider(model.PlatformMeetup)
	meetup.setEvents("a", canonicalEvent(model.PlatformMeetup, "a1", "A", baseTime.Add(time.Hour)))
	meetup.setEvents("b", canonicalEvent(model.PlatformMeetup, "b1", "B", baseTime.Add(time.Hour)))
	meetup.setErr("c", &provider.NotFoundError{Platform: model.PlatformMeetup, GroupID: "c"})

	e := NewEngine(store, newRegistry(meetup), testEnv,
		testOptions(map[model.Platform][]string{model.PlatformMeetup: {"a", "b", "c"}}),
		testLogger, WithClock(fixedClock(baseTime)))
	report, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("partial failure escalated: %v", err)
	}
	if !report.Success || report.Succeeded != 2 || report.Failed != 1 {
		t.Errorf("report = success %v, %d/%d, want true 2/1", report.Success, report.Succeeded, report.Failed)
	}

	run := latestRun(t, store)
	if run.Status != model.RunSuccess || run.GroupsTotal != 3 || run.GroupsFailed != 1 {
		t.Errorf("run = %s total %d failed %d", run.Status, run.GroupsTotal, run.GroupsFailed)
	}
	if len(run.Failures) != 1 || run.Failures[0].Identifier != "c" || run.Failures[0].Kind != string(provider.KindNotFound) {
		t.Errorf("failures = %+v", run.Failures)
	}
}

func TestRunOnce_AllGroupsFailed(t *testing.T) {
	store := openTestStore(t)
	meetup := newMockProvider(model.PlatformMeetup)
	meetup.setErr("a", &provider.TransientError{Platform: model.PlatformMeetup, StatusCode: 502})
	meetup.setErr("b", &provider.RateLimitError{Platform: model.PlatformMeetup, RetryAfter: baseTime.Add(time.Minute)})

	e := NewEngine(store, newRegistry(meetup), testEnv,
		testOptions(map[model.Platform][]string{model.PlatformMeetup: {"a", "b"}}),
		testLogger, WithClock(fixedClock(baseTime)))
	report, err := e.RunOnce(context.Background())
	if !errors.Is(err, ErrAllGroupsFailed) {
		t.Fatalf("err = %v, want ErrAllGroupsFailed", err)
	}
	if report.Success || report.Failed != 2 {
		t.Errorf("report = %+v", report)
	}
	if run := latestRun(t, store); run.Status != model.RunFailed || run.Error == "" {
		t.Errorf("run = %s %q, want failed with error", run.Status, run.Error)
	}
}

func TestRunOnce_NoProvidersWritesNothing(t *testing.T) {
	store := openTestStore(t)
	meetup := newMockProvider(model.PlatformMeetup)
	meetup.configured = false

	e := NewEngine(store, newRegistry(meetup), testEnv,
		testOptions(map[model.Platform][]string{model.PlatformMeetup: {"a"}}), testLogger)
	_, err := e.RunOnce(context.Background())
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("err = %v, want ErrNoProviders", err)
	}
	runs, err := store.RecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("runs = %d, want 0", len(runs))
	}
	if meetup.totalCalls() != 0 {
		t.Errorf("fetches = %d, want 0", meetup.totalCalls())
	}
}

func TestRunOnce_NoGroups(t *testing.T) {
	store := openTestStore(t)
	e := NewEngine(store, newRegistry(newMockProvider(model.PlatformICS)), testEnv, testOptions(nil), testLogger)
	_, err := e.RunOnce(context.Background())
	if !errors.Is(err, ErrNoGroups) {
		t.Fatalf("err = %v, want ErrNoGroups", err)
	}
	if run := latestRun(t, store); run.Status != model.RunFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
}

func TestRunOnce_InitFailureSkipsProvider(t *testing.T) {
	store := openTestStore(t)
	meetup := newMockProvider(model.PlatformMeetup)
	meetup.setEvents("a", canonicalEvent(model.PlatformMeetup, "a1", "A", baseTime.Add(time.Hour)))
	luma := newMockProvider(model.PlatformLuma)
	luma.initErr = &provider.ConfigurationError{Platform: model.PlatformLuma, Missing: []string{"LUMA_API_KEY"}}

	e := NewEngine(store, newRegistry(meetup, luma), testEnv,
		testOptions(map[model.Platform][]string{
			model.PlatformMeetup: {"a"},
			model.PlatformLuma:   {"x", "y"},
		}),
		testLogger, WithClock(fixedClock(baseTime)))
	report, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Total != 1 {
		t.Errorf("Total = %d, want 1 (luma groups excluded)", report.Total)
	}
	if luma.totalCalls() != 0 {
		t.Errorf("luma fetches = %d, want 0", luma.totalCalls())
	}
	run := latestRun(t, store)
	if len(run.Failures) != 1 {
		t.Fatalf("failures = %+v, want one provider entry", run.Failures)
	}
	f := run.Failures[0]
	if f.Platform != model.PlatformLuma || f.Identifier != "" || f.Kind != string(provider.KindConfiguration) {
		t.Errorf("failure = %+v", f)
	}
}

func TestRunOnce_AuthFailureDisablesProviderForPass(t *testing.T) {
	store := openTestStore(t)
	meetup := newMockProvider(model.PlatformMeetup)
	for _, id := range []string{"a", "b", "c"} {
		meetup.setErr(id, &provider.AuthenticationError{Platform: model.PlatformMeetup, StatusCode: 401})
	}
	luma := newMockProvider(model.PlatformLuma)
	luma.setEvents("cal", canonicalEvent(model.PlatformLuma, "l1", "L", baseTime.Add(time.Hour)))

	opts := testOptions(map[model.Platform][]string{
		model.PlatformMeetup: {"a", "b", "c"},
		model.PlatformLuma:   {"cal"},
	})
	opts.Concurrency = 1
	e := NewEngine(store, newRegistry(meetup, luma), testEnv, opts, testLogger, WithClock(fixedClock(baseTime)))

	report, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if meetup.totalCalls() != 1 {
		t.Errorf("meetup fetches = %d, want 1", meetup.totalCalls())
	}
	if report.Failed != 3 || report.Succeeded != 1 {
		t.Errorf("report = %d ok / %d failed, want 1 / 3", report.Succeeded, report.Failed)
	}
	for _, r := range report.Results {
		if r.Platform == model.PlatformMeetup && r.ErrorKind != string(provider.KindAuthentication) {
			t.Errorf("%s: kind = %q, want authentication", r.GroupIdentifier, r.ErrorKind)
		}
	}
}

func TestRunOnce_InProgress(t *testing.T) {
	store := openTestStore(t)
	e := NewEngine(store, newRegistry(newMockProvider(model.PlatformICS)), testEnv, testOptions(nil), testLogger)
	e.running.Lock()
	defer e.running.Unlock()

	if _, err := e.RunOnce(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("RunOnce err = %v, want ErrRunInProgress", err)
	}
	if _, err := e.SyncGroup(context.Background(), model.PlatformICS, "x"); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("SyncGroup err = %v, want ErrRunInProgress", err)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestRunOnce_ConcurrencyBound(t *testing.T) {
	store := openTestStore(t)
	ics := newMockProvider(model.PlatformICS)
	ics.delay = 20 * time.Millisecond

	var ids []string
	for i := range 30 {
		id := fmt.Sprintf("https://example.com/feed-%02d.ics", i)
		ids = append(ids, id)
		ics.setEvents(id, canonicalEvent(model.PlatformICS, fmt.Sprintf("uid-%02d", i), "Event", baseTime.Add(time.Hour)))
	}
	opts := testOptions(map[model.Platform][]string{model.PlatformICS: ids})
	opts.Concurrency = 5
	e := NewEngine(store, newRegistry(ics), testEnv, opts, testLogger, WithClock(fixedClock(baseTime)))

	report, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Succeeded != 30 {
		t.Errorf("Succeeded = %d, want 30", report.Succeeded)
	}
	ics.mu.Lock()
	maxFlight := ics.maxFlight
	ics.mu.Unlock()
	if maxFlight > 5 {
		t.Errorf("max in flight = %d, want <= 5", maxFlight)
	}
	if maxFlight < 2 {
		t.Errorf("max in flight = %d, groups did not run concurrently", maxFlight)
	}
	if n := countEvents(t, store); n != 30 {
		t.Errorf("events = %d, want 30", n)
	}
}

func TestRunOnce_TimeoutAbandonsRemainingGroups(t *testing.T) {
	store := openTestStore(t)
	ics := newMockProvider(model.PlatformICS)
	ics.delay = 200 * time.Millisecond
	ids := []string{"https://a.example/1.ics", "https://a.example/2.ics", "https://a.example/3.ics"}
	for i, id := range ids {
		ics.setEvents(id, canonicalEvent(model.PlatformICS, fmt.Sprintf("u%d", i), "E", baseTime.Add(time.Hour)))
	}
	opts := testOptions(map[model.Platform][]string{model.PlatformICS: ids})
	opts.Concurrency = 1
	opts.RunTimeout = 50 * time.Millisecond
	e := NewEngine(store, newRegistry(ics), testEnv, opts, testLogger, WithClock(fixedClock(baseTime)))

	report, err := e.RunOnce(context.Background())
	if !errors.Is(err, ErrAllGroupsFailed) {
		t.Fatalf("err = %v, want ErrAllGroupsFailed", err)
	}
	if report.Total != 0 {
		t.Errorf("Total = %d, want 0 completed groups", report.Total)
	}
	run := latestRun(t, store)
	if run.Status != model.RunFailed || run.CompletedAt.IsZero() {
		t.Errorf("run = %s completed %v, want finalized failed run", run.Status, run.CompletedAt)
	}
}

// ---------------------------------------------------------------------------
// Group linking and single-group runs
// ---------------------------------------------------------------------------

func TestRunOnce_LinksNativeGroupByURLName(t *testing.T) {
	store := openTestStore(t)
	native := &model.PersistedGroup{URLName: "GoLang-NYC", Name: "Go NYC"}
	if err := store.WithGroupTx(context.Background(), func(tx *state.Tx) error {
		return tx.InsertGroup(context.Background(), native)
	}); err != nil {
		t.Fatalf("InsertGroup: %v", err)
	}

	meetup := newMockProvider(model.PlatformMeetup)
	meetup.groups["golang-nyc"] = &model.CanonicalGroup{
		PlatformID: "123", Platform: model.PlatformMeetup, URLName: "golang-nyc", Name: "Go NYC", MemberCount: 900,
	}
	meetup.setEvents("golang-nyc", canonicalEvent(model.PlatformMeetup, "e1", "Talk", baseTime.Add(time.Hour)))

	e := NewEngine(store, newRegistry(meetup), testEnv,
		testOptions(map[model.Platform][]string{model.PlatformMeetup: {"golang-nyc"}}),
		testLogger, WithClock(fixedClock(baseTime)))
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	groups, err := store.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1 (linked, not duplicated)", len(groups))
	}
	g := groups[0]
	if g.ID != native.ID || g.MemberCount != 900 || g.Source() != model.SourceSynced {
		t.Errorf("group = %+v", g)
	}
}

func TestSyncGroup_RecordsGroupID(t *testing.T) {
	store := openTestStore(t)
	ha := newMockProvider(model.PlatformHomeAssistant)
	ha.setEvents("calendar.club", canonicalEvent(model.PlatformHomeAssistant, "h1", "Club", baseTime.Add(time.Hour)))
	ha.setEvents("calendar.other", canonicalEvent(model.PlatformHomeAssistant, "h2", "Other", baseTime.Add(time.Hour)))

	e := NewEngine(store, newRegistry(ha), testEnv,
		testOptions(map[model.Platform][]string{model.PlatformHomeAssistant: {"calendar.club", "calendar.other"}}),
		testLogger, WithClock(fixedClock(baseTime)))
	report, err := e.SyncGroup(context.Background(), model.PlatformHomeAssistant, "calendar.club")
	if err != nil {
		t.Fatalf("SyncGroup: %v", err)
	}
	if report.Total != 1 || ha.totalCalls() != 1 {
		t.Errorf("total = %d calls = %d, want 1 and 1", report.Total, ha.totalCalls())
	}
	run := latestRun(t, store)
	if run.GroupID == "" || run.GroupID != report.Results[0].GroupID {
		t.Errorf("run GroupID = %q, want %q", run.GroupID, report.Results[0].GroupID)
	}

	if _, err := e.SyncGroup(context.Background(), model.PlatformMeetup, "x"); !errors.Is(err, ErrNoProviders) {
		t.Errorf("unknown platform err = %v, want ErrNoProviders", err)
	}
}

func TestRunOnce_SyncsActiveConnections(t *testing.T) {
	store := openTestStore(t)
	luma := newMockProvider(model.PlatformLuma)
	luma.setEvents("cal-1", canonicalEvent(model.PlatformLuma, "l1", "L", baseTime.Add(time.Hour)))

	e := NewEngine(store, newRegistry(luma), testEnv,
		testOptions(map[model.Platform][]string{model.PlatformLuma: {"cal-1"}}),
		testLogger, WithClock(fixedClock(baseTime)))
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// Drop the catalog; the stored connection keeps the group in the worklist.
	e.opts.Catalog = nil
	report, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce without catalog: %v", err)
	}
	if report.Total != 1 {
		t.Errorf("Total = %d, want 1", report.Total)
	}

	if _, err := store.SetConnectionActive(context.Background(), model.PlatformLuma, "cal-1", false); err != nil {
		t.Fatalf("SetConnectionActive: %v", err)
	}
	if _, err := e.RunOnce(context.Background()); !errors.Is(err, ErrNoGroups) {
		t.Errorf("err = %v, want ErrNoGroups after deactivation", err)
	}
}

func TestRunOnce_SkipsDisconnectedCatalogGroup(t *testing.T) {
	store := openTestStore(t)
	luma := newMockProvider(model.PlatformLuma)
	luma.setEvents("cal-1", canonicalEvent(model.PlatformLuma, "l1", "L", baseTime.Add(time.Hour)))
	luma.setEvents("cal-2", canonicalEvent(model.PlatformLuma, "l2", "M", baseTime.Add(time.Hour)))

	e := NewEngine(store, newRegistry(luma), testEnv,
		testOptions(map[model.Platform][]string{model.PlatformLuma: {"cal-1", "cal-2"}}),
		testLogger, WithClock(fixedClock(baseTime)))
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// cal-1 stays in the catalog but is disconnected.
	if _, err := store.SetConnectionActive(context.Background(), model.PlatformLuma, "cal-1", false); err != nil {
		t.Fatalf("SetConnectionActive: %v", err)
	}
	report, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce after disconnect: %v", err)
	}
	if report.Total != 1 || report.Results[0].GroupIdentifier != "cal-2" {
		t.Errorf("results = %+v, want only cal-2", report.Results)
	}
	luma.mu.Lock()
	calls := luma.calls["cal-1"]
	luma.mu.Unlock()
	if calls != 1 {
		t.Errorf("cal-1 fetched %d times, want 1 (before disconnect only)", calls)
	}

	if _, err := store.SetConnectionActive(context.Background(), model.PlatformLuma, "cal-2", false); err != nil {
		t.Fatalf("SetConnectionActive: %v", err)
	}
	if _, err := e.RunOnce(context.Background()); !errors.Is(err, ErrNoGroups) {
		t.Errorf("err = %v, want ErrNoGroups with every catalog group disconnected", err)
	}

	if _, err := store.SetConnectionActive(context.Background(), model.PlatformLuma, "cal-1", true); err != nil {
		t.Fatalf("SetConnectionActive: %v", err)
	}
	if report, err = e.RunOnce(context.Background()); err != nil || report.Total != 1 {
		t.Errorf("after reconnect: total = %d, err = %v, want 1 and nil", report.Total, err)
	}
}

// ---------------------------------------------------------------------------
// Version and report
// ---------------------------------------------------------------------------

func TestRunOnce_InvalidatesVersionOnlyOnChange(t *testing.T) {
	store := openTestStore(t)
	meetup := newMockProvider(model.PlatformMeetup)
	meetup.setEvents("g", canonicalEvent(model.PlatformMeetup, "e1", "T", baseTime.Add(time.Hour)))
	ver := &mockVersioner{}
	e := NewEngine(store, newRegistry(meetup), testEnv,
		testOptions(map[model.Platform][]string{model.PlatformMeetup: {"g"}}),
		testLogger, WithClock(fixedClock(baseTime)), WithVersioner(ver))

	report, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Version != "v1" {
		t.Errorf("Version = %q, want v1", report.Version)
	}
	report, err = e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Version != "v1" {
		t.Errorf("Version after no-op pass = %q, want unchanged v1", report.Version)
	}
}

func TestRunOnce_GroupOnlyChangeMovesVersion(t *testing.T) {
	store := openTestStore(t)
	meetup := newMockProvider(model.PlatformMeetup)
	meetup.setEvents("g", canonicalEvent(model.PlatformMeetup, "e1", "T", baseTime.Add(time.Hour)))
	meetup.mu.Lock()
	meetup.groups["g"] = &model.CanonicalGroup{PlatformID: "100", URLName: "g", Name: "Gophers", MemberCount: 10}
	meetup.mu.Unlock()
	tracker := version.NewTracker(store, 0)
	e := NewEngine(store, newRegistry(meetup), testEnv,
		testOptions(map[model.Platform][]string{model.PlatformMeetup: {"g"}}),
		testLogger, WithClock(fixedClock(baseTime)), WithVersioner(tracker))

	first, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	meetup.mu.Lock()
	meetup.groups["g"] = &model.CanonicalGroup{PlatformID: "100", URLName: "g", Name: "Gophers NYC", MemberCount: 12}
	meetup.mu.Unlock()
	e.now = fixedClock(baseTime.Add(time.Minute))
	second, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	run := latestRun(t, store)
	if run.GroupsChanged != 1 || run.EventsCreated+run.EventsUpdated+run.EventsDeleted != 0 {
		t.Errorf("run = %+v, want only GroupsChanged = 1", run)
	}
	if second.Version == first.Version {
		t.Errorf("Version = %q after group rename, want it to move", second.Version)
	}
	g, err := store.GetGroup(context.Background(), second.Results[0].GroupID)
	if err != nil || g == nil || g.Name != "Gophers NYC" || g.MemberCount != 12 {
		t.Errorf("group = %+v, err = %v", g, err)
	}
}

func TestReport_JSONShape(t *testing.T) {
	r := Report{
		Success: true, Total: 2, Succeeded: 1, Failed: 1, DurationMs: 42, RunID: "run-1", Version: "abc",
		Results: []GroupResult{
			{Platform: model.PlatformMeetup, GroupIdentifier: "a", Success: true, EventsCreated: 2},
			{Platform: model.PlatformLuma, GroupIdentifier: "b", ErrorKind: "not_found", Error: "gone"},
		},
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"success", "total", "succeeded", "failed", "durationMs", "runId", "version", "results"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in %s", key, b)
		}
	}
	results := m["results"].([]any)
	first := results[0].(map[string]any)
	if first["groupIdentifier"] != "a" || first["eventsCreated"] != float64(2) {
		t.Errorf("first result = %v", first)
	}
	if _, ok := first["error"]; ok {
		t.Errorf("successful result carries error: %v", first)
	}
}

func TestRun_InvalidSchedule(t *testing.T) {
	opts := testOptions(nil)
	opts.Schedule = "not a schedule"
	e := NewEngine(openTestStore(t), newRegistry(), testEnv, opts, testLogger)
	if err := e.Run(context.Background()); err == nil {
		t.Error("Run with invalid schedule returned nil")
	}
}

func TestRun_RunsOnStartAndStops(t *testing.T) {
	store := openTestStore(t)
	meetup := newMockProvider(model.PlatformMeetup)
	meetup.setEvents("g", canonicalEvent(model.PlatformMeetup, "e1", "T", baseTime.Add(time.Hour)))
	opts := testOptions(map[model.Platform][]string{model.PlatformMeetup: {"g"}})
	opts.RunOnStart = true
	e := NewEngine(store, newRegistry(meetup), testEnv, opts, testLogger, WithClock(fixedClock(baseTime)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for meetup.totalCalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run err = %v, want context.Canceled", err)
	}
	if meetup.totalCalls() == 0 {
		t.Error("no pass ran on start")
	}
}
