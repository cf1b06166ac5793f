package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leadforge/leadcrawler/internal/engine"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]engine.FetchResponse
	errs      map[string]error
	calls     []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (engine.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if err, ok := f.errs[url]; ok {
		return engine.FetchResponse{}, err
	}
	resp, ok := f.responses[url]
	if !ok {
		return engine.FetchResponse{URL: url, StatusCode: 404}, nil
	}
	resp.URL = url
	return resp, nil
}

type fakeLeadStore struct {
	mu    sync.Mutex
	leads map[string]engine.Lead
	err   error
}

func newFakeLeadStore() *fakeLeadStore {
	return &fakeLeadStore{leads: map[string]engine.Lead{}}
}

func (s *fakeLeadStore) Upsert(_ context.Context, lead engine.Lead) (engine.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	_, exists := s.leads[lead.CanonicalKey]
	s.leads[lead.CanonicalKey] = lead
	if exists {
		return engine.UpsertUpdated, nil
	}
	return engine.UpsertInserted, nil
}

func (s *fakeLeadStore) Get(_ context.Context, key string) (engine.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[key]
	if !ok {
		return engine.Lead{}, engine.ErrNotFound
	}
	return lead, nil
}

func (s *fakeLeadStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leads), nil
}

type fakeSnapshots struct {
	mu    sync.Mutex
	paths []string
}

func (s *fakeSnapshots) Put(_ context.Context, path, _ string, _ []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, path)
	return "mem://" + path, nil
}

type fakeSolver struct {
	err   error
	calls int
}

func (s *fakeSolver) Solve(context.Context, engine.ChallengePayload) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "token", nil
}

type solveAlways struct{ challengeOnly bool }

func (p solveAlways) ShouldSolve(_ string, challenge bool) bool {
	if p.challengeOnly {
		return challenge
	}
	return true
}

type fakeBrowser struct {
	mu        sync.Mutex
	htmlByURL map[string]string
	acquired  int
	released  int
}

func (b *fakeBrowser) Acquire(context.Context) (engine.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acquired++
	return &fakePage{browser: b}, nil
}

func (b *fakeBrowser) Close() error { return nil }

type fakePage struct {
	browser *fakeBrowser
	current string
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.current = url
	return nil
}

func (p *fakePage) HTML(context.Context) (string, error) {
	p.browser.mu.Lock()
	defer p.browser.mu.Unlock()
	return p.browser.htmlByURL[p.current], nil
}

func (p *fakePage) Click(context.Context, string) error { return nil }

func (p *fakePage) Release() {
	p.browser.mu.Lock()
	defer p.browser.mu.Unlock()
	p.browser.released++
}

func genericTarget() engine.Target {
	return engine.Target{
		ID:       "tgt-1",
		JobID:    "job-1",
		Source:   "https://smalldirectory.example.com",
		Location: "Austin, TX",
		Category: "plumbers",
	}
}

const genericListHTML = `<html><body>` +
	`<div class="listing"><h2><a href="/biz/ace">Ace Plumbing</a></h2>` +
	`<div class="address">100 Congress Ave</div><div class="phone">(512) 555-0100</div></div>` +
	`<div class="listing"><h2><a href="/biz/budget">Budget Rooter</a></h2>` +
	`<div class="phone">(512) 555-0101</div></div>` +
	`</body></html>`

func newTestRunner(t *testing.T, deps Deps) *Runner {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	runner, err := NewRunner(Config{
		MaxListPages:   3,
		DetailDelayMin: time.Millisecond,
		DetailDelayMax: 2 * time.Millisecond,
	}, deps)
	require.NoError(t, err)
	return runner
}

func TestRunEmitsLeadsFromListPage(t *testing.T) {
	t.Parallel()

	target := genericTarget()
	listURL := ProfileFor(target.Domain()).SearchURL(target, 1)

	fetcher := &fakeFetcher{responses: map[string]engine.FetchResponse{
		listURL: {StatusCode: 200, Body: []byte(genericListHTML)},
	}}
	leads := newFakeLeadStore()

	runner := newTestRunner(t, Deps{Fetcher: fetcher, Leads: leads})
	out := runner.Run(context.Background(), target, nil)

	require.Equal(t, engine.OutcomeSuccess, out.Kind)
	require.Equal(t, 2, out.LeadsEmitted)
	require.Equal(t, 1, out.PagesVisited)
	require.Len(t, leads.leads, 2)
	for _, lead := range leads.leads {
		require.Equal(t, "Austin, TX", lead.Fields.Location)
		require.Equal(t, "plumbers", lead.Fields.Category)
	}
}

func TestRunFollowsPaginationUpToCap(t *testing.T) {
	t.Parallel()

	target := genericTarget()
	page1 := ProfileFor(target.Domain()).SearchURL(target, 1)
	page2 := "https://smalldirectory.example.com/search?page=2"

	withNext := `<html><body>` +
		`<div class="listing"><h2><a href="/biz/one">One</a></h2></div>` +
		`<a class="next" href="/search?page=2">Next</a></body></html>`
	lastPage := `<html><body>` +
		`<div class="listing"><h2><a href="/biz/two">Two</a></h2></div></body></html>`

	fetcher := &fakeFetcher{responses: map[string]engine.FetchResponse{
		page1: {StatusCode: 200, Body: []byte(withNext)},
		page2: {StatusCode: 200, Body: []byte(lastPage)},
	}}
	leads := newFakeLeadStore()

	runner := newTestRunner(t, Deps{Fetcher: fetcher, Leads: leads})
	out := runner.Run(context.Background(), target, nil)

	require.Equal(t, engine.OutcomeSuccess, out.Kind)
	require.Equal(t, 2, out.PagesVisited)
	require.Equal(t, 2, out.LeadsEmitted)
}

func TestRunBlockedSnapshotsAndKeepsEmittedLeads(t *testing.T) {
	t.Parallel()

	target := genericTarget()
	page1 := ProfileFor(target.Domain()).SearchURL(target, 1)
	page2 := "https://smalldirectory.example.com/search?page=2"

	withNext := `<html><body>` +
		`<div class="listing"><h2><a href="/biz/one">One</a></h2></div>` +
		`<a class="next" href="/search?page=2">Next</a></body></html>`

	fetcher := &fakeFetcher{responses: map[string]engine.FetchResponse{
		page1: {StatusCode: 200, Body: []byte(withNext)},
		page2: {StatusCode: 403, Body: []byte("<html><body>denied</body></html>")},
	}}
	leads := newFakeLeadStore()
	snaps := &fakeSnapshots{}

	runner := newTestRunner(t, Deps{Fetcher: fetcher, Leads: leads, Snapshots: snaps})
	out := runner.Run(context.Background(), target, nil)

	require.Equal(t, engine.OutcomeBlocked, out.Kind)
	require.False(t, out.Challenge)
	require.Equal(t, 1, out.LeadsEmitted, "page-1 leads survive the block")
	require.Len(t, snaps.paths, 1)
}

func TestRunBlockedDetailFetchStillEmitsExtractedListings(t *testing.T) {
	t.Parallel()

	target := engine.Target{
		ID:       "tgt-1",
		JobID:    "job-1",
		Source:   "https://www.yellowpages.com",
		Location: "Austin, TX",
		Category: "plumbers",
	}
	listURL := ProfileFor(target.Domain()).SearchURL(target, 1)
	aceDetail := "https://www.yellowpages.com/austin-tx/ace-plumbing"
	budgetDetail := "https://www.yellowpages.com/austin-tx/budget-rooter"

	detailHTML := `<html><body><a class="email-business" href="mailto:info@ace.example.com">Email</a></body></html>`
	fetcher := &fakeFetcher{responses: map[string]engine.FetchResponse{
		listURL:      {StatusCode: 200, Body: []byte(listHTML)},
		aceDetail:    {StatusCode: 200, Body: []byte(detailHTML)},
		budgetDetail: {StatusCode: 403, Body: []byte("<html><body>access denied</body></html>")},
	}}
	leads := newFakeLeadStore()
	snaps := &fakeSnapshots{}

	runner := newTestRunner(t, Deps{Fetcher: fetcher, Leads: leads, Snapshots: snaps})
	out := runner.Run(context.Background(), target, nil)

	require.Equal(t, engine.OutcomeBlocked, out.Kind)
	require.Equal(t, 2, out.LeadsEmitted,
		"listings extracted before the detail-page block must still be emitted")
	require.Len(t, leads.leads, 2)
	var emails []string
	for _, lead := range leads.leads {
		emails = append(emails, lead.Fields.Email)
	}
	require.Contains(t, emails, "info@ace.example.com",
		"details merged before the block are kept")
	require.Len(t, snaps.paths, 1)
}

func TestRunTransientDetailFetchStillEmitsExtractedListings(t *testing.T) {
	t.Parallel()

	target := engine.Target{
		ID:       "tgt-1",
		JobID:    "job-1",
		Source:   "https://www.yellowpages.com",
		Location: "Austin, TX",
		Category: "plumbers",
	}
	listURL := ProfileFor(target.Domain()).SearchURL(target, 1)
	aceDetail := "https://www.yellowpages.com/austin-tx/ace-plumbing"

	fetcher := &fakeFetcher{
		responses: map[string]engine.FetchResponse{
			listURL: {StatusCode: 200, Body: []byte(listHTML)},
		},
		errs: map[string]error{aceDetail: errors.New("connection reset")},
	}
	leads := newFakeLeadStore()

	runner := newTestRunner(t, Deps{Fetcher: fetcher, Leads: leads})
	out := runner.Run(context.Background(), target, nil)

	require.Equal(t, engine.OutcomeTransient, out.Kind)
	require.Equal(t, 2, out.LeadsEmitted)
	require.Len(t, leads.leads, 2)
}

func TestRunSolvesChallengeAndRetries(t *testing.T) {
	t.Parallel()

	target := genericTarget()
	page1 := ProfileFor(target.Domain()).SearchURL(target, 1)
	challenge := `<html><body><form id="challenge-form"></form></body></html>`

	fetcher := &fakeFetcher{responses: map[string]engine.FetchResponse{
		page1: {StatusCode: 200, Body: []byte(challenge)},
	}}
	leads := newFakeLeadStore()
	solver := &fakeSolver{}

	runner := newTestRunner(t, Deps{
		Fetcher: fetcher,
		Leads:   leads,
		Solver:  solver,
		Policy:  solveAlways{challengeOnly: true},
	})

	done := make(chan engine.Outcome, 1)
	go func() {
		// The retried fetch returns the same challenge page, so the run
		// ends blocked after the single allowed solve.
		done <- runner.Run(context.Background(), target, nil)
	}()

	var out engine.Outcome
	require.Eventually(t, func() bool {
		select {
		case out = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, engine.OutcomeBlocked, out.Kind)
	require.True(t, out.Challenge)
	require.Equal(t, 1, solver.calls, "solver is tried exactly once per run")
}

func TestRunPromotesToBrowser(t *testing.T) {
	t.Parallel()

	target := genericTarget()
	page1 := ProfileFor(target.Domain()).SearchURL(target, 1)

	// Plain fetch returns an unrendered shell; the browser sees listings.
	shell := `<html><body>` + pad(3000) + `<div id="app"></div></body></html>`
	fetcher := &fakeFetcher{responses: map[string]engine.FetchResponse{
		page1: {StatusCode: 200, Body: []byte(shell)},
	}}
	browser := &fakeBrowser{htmlByURL: map[string]string{page1: genericListHTML}}
	leads := newFakeLeadStore()

	runner := newTestRunner(t, Deps{Fetcher: fetcher, Browser: browser, Leads: leads})
	out := runner.Run(context.Background(), target, nil)

	require.Equal(t, engine.OutcomeSuccess, out.Kind)
	require.Equal(t, 2, out.LeadsEmitted)
	require.Equal(t, 1, browser.acquired)
	require.Equal(t, 1, browser.released, "page must be released on every exit")
}

func TestRunStopsOnJobCancellation(t *testing.T) {
	t.Parallel()

	target := genericTarget()
	fetcher := &fakeFetcher{}
	leads := newFakeLeadStore()

	runner := newTestRunner(t, Deps{Fetcher: fetcher, Leads: leads})
	out := runner.Run(context.Background(), target, func(context.Context) (bool, error) {
		return true, nil
	})

	require.Equal(t, engine.OutcomeFatal, out.Kind)
	require.ErrorIs(t, out.Err, engine.ErrJobCancelled)
	require.Empty(t, fetcher.calls, "cancelled runs make no requests")
}

func TestRunFetchErrorIsTransient(t *testing.T) {
	t.Parallel()

	target := genericTarget()
	page1 := ProfileFor(target.Domain()).SearchURL(target, 1)

	fetcher := &fakeFetcher{errs: map[string]error{page1: errors.New("connection reset")}}
	leads := newFakeLeadStore()

	runner := newTestRunner(t, Deps{Fetcher: fetcher, Leads: leads})
	out := runner.Run(context.Background(), target, nil)

	require.Equal(t, engine.OutcomeTransient, out.Kind)
	require.True(t, out.Retryable())
}
