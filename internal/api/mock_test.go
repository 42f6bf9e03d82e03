package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/state"
)

// --- Mock Store --------------------------------------------------------------

type mockStore struct {
	mu         sync.Mutex
	events     []*model.PersistedEvent
	groups     []*model.PersistedGroup
	runs       []*model.SyncRun
	pingErr    error
	listCalls  int
	lastFilter state.EventFilter
}

func (m *mockStore) ListEvents(_ context.Context, f state.EventFilter) ([]*model.PersistedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	m.lastFilter = f
	var out []*model.PersistedEvent
	for _, e := range m.events {
		if f.GroupID != "" && e.GroupID != f.GroupID {
			continue
		}
		if !f.IncludeCancelled && e.Status == model.StatusCancelled {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockStore) GetEvent(_ context.Context, id string) (*model.PersistedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}

func (m *mockStore) ListGroups(context.Context) ([]*model.PersistedGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups, nil
}

func (m *mockStore) GetGroup(_ context.Context, id string) (*model.PersistedGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, nil
}

func (m *mockStore) RecentRuns(_ context.Context, limit int) ([]*model.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit < len(m.runs) {
		return m.runs[:limit], nil
	}
	return m.runs, nil
}

func (m *mockStore) Ping(context.Context) error { return m.pingErr }

func (m *mockStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

// --- Mock Versioner ----------------------------------------------------------

type mockVersioner struct {
	mu      sync.Mutex
	version string
	err     error
}

func (m *mockVersioner) Current(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version, m.err
}

func (m *mockVersioner) set(v string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = v
}

var errBroken = errors.New("broken")

// --- fixtures ----------------------------------------------------------------

var start = time.Date(2030, 5, 8, 18, 30, 0, 0, time.UTC)

func fixtureStore() *mockStore {
	end := start.Add(2 * time.Hour)
	return &mockStore{
		events: []*model.PersistedEvent{
			{
				ID: "e1", GroupID: "g1", Platform: model.PlatformMeetup, PlatformID: "301",
				EventContent: model.EventContent{
					Title: "Go Night", EventURL: "https://www.meetup.com/gophers/events/301",
					StartTime: start, EndTime: &end, Timezone: "Europe/Berlin",
					Status: model.StatusActive, EventType: model.TypePhysical,
				},
				LastSyncAt: start.Add(-24 * time.Hour),
			},
			{
				ID: "e2", GroupID: "g1", Platform: model.PlatformMeetup, PlatformID: "302",
				EventContent: model.EventContent{
					Title: "Cancelled", EventURL: "https://www.meetup.com/gophers/events/302",
					StartTime: start.Add(time.Hour), Timezone: "UTC",
					Status: model.StatusCancelled, EventType: model.TypeOnline,
				},
			},
		},
		groups: []*model.PersistedGroup{
			{
				ID: "g1", URLName: "gophers", Name: "Gophers",
				Connections: []model.PlatformConnection{
					{GroupID: "g1", Platform: model.PlatformMeetup, PlatformID: "42", Identifier: "gophers", Active: true},
				},
			},
		},
		runs: []*model.SyncRun{
			{ID: "r2", Status: model.RunSuccess, StartedAt: start, CompletedAt: start.Add(time.Minute), EventsCreated: 2, GroupsTotal: 1},
			{ID: "r1", Status: model.RunFailed, StartedAt: start.Add(-time.Hour), Error: "all groups failed",
				Failures: []model.GroupFailure{{Platform: model.PlatformLuma, Identifier: "cal-1", Kind: "auth", Message: "401"}}},
		},
	}
}
