package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadforge/leadcrawler/internal/clock/system"
	"github.com/leadforge/leadcrawler/internal/engine"
	"github.com/leadforge/leadcrawler/internal/session"
	"github.com/leadforge/leadcrawler/internal/store/memory"
)

// stubFetcher serves canned pages by URL. URLs in stall hang until the
// context ends, standing in for a worker that dies mid-session.
type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	stall map[string]bool
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (engine.FetchResponse, error) {
	f.mu.Lock()
	stalled := f.stall[url]
	body, ok := f.pages[url]
	f.mu.Unlock()
	if stalled {
		<-ctx.Done()
		return engine.FetchResponse{}, ctx.Err()
	}
	if !ok {
		return engine.FetchResponse{}, fmt.Errorf("no page for %s", url)
	}
	return engine.FetchResponse{
		URL:        url,
		FinalURL:   url,
		StatusCode: 200,
		Body:       []byte(body),
	}, nil
}

const restartListPage = `<html><body>
<div class="listing"><span class="name">Ace Plumbing</span><span class="phone">512-555-0100</span></div>
<div class="listing"><span class="name">Budget Rooter</span><span class="phone">512-555-0101</span></div>
<a class="next" href="/search/page2">More</a>
</body></html>`

const restartSecondPage = `<html><body>
<div class="listing"><span class="name">Metro Drains</span><span class="phone">512-555-0102</span></div>
</body></html>`

func restartRunner(t *testing.T, fetch engine.Fetcher, leads engine.LeadStore) *session.Runner {
	t.Helper()
	runner, err := session.NewRunner(session.Config{
		MaxListPages:    5,
		PageLoadTimeout: 10 * time.Second,
		DetailDelayMin:  time.Millisecond,
		DetailDelayMax:  2 * time.Millisecond,
	}, session.Deps{
		Fetcher: fetch,
		Leads:   leads,
		Clock:   system.New(),
	})
	require.NoError(t, err)
	return runner
}

func restartPool(store engine.Store, runner SessionRunner) *Pool {
	return New(Config{
		Slots:          1,
		LeaseTTL:       50 * time.Millisecond,
		ReaperInterval: time.Hour,
		IdleWaitMax:    5 * time.Millisecond,
		Retry:          RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
	}, store, runner, newFakeGate(time.Hour), system.New(), nil, nil)
}

// The whole pipeline survives a dead worker: leads emitted before the crash
// stay put, the expired lease is reclaimed, and a fresh pool finishes the
// target re-emitting the same records without duplicating them.
func TestPoolRestartAfterCrashKeepsLeadsUnique(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	leadStore := memory.NewLeadStore()
	targets := seedJob(t, store, "job-restart", "Austin, TX")

	page1 := session.ProfileFor("directory.example.com").SearchURL(targets[0], 1)
	page2 := "https://directory.example.com/search/page2"

	// First process: page one parses and emits two leads, page two hangs
	// until shutdown.
	fetch1 := &stubFetcher{
		pages: map[string]string{page1: restartListPage},
		stall: map[string]bool{page2: true},
	}
	ctx1, cancel1 := context.WithCancel(context.Background())
	done1 := make(chan struct{})
	go func() {
		defer close(done1)
		restartPool(store, restartRunner(t, fetch1, leadStore)).Run(ctx1)
	}()

	require.Eventually(t, func() bool {
		n, err := leadStore.Count(context.Background())
		return err == nil && n == 2
	}, 5*time.Second, 10*time.Millisecond, "first page's leads emitted before the crash")

	cancel1()
	<-done1

	// The target is stranded in flight with a lapsed lease until the
	// reaper requeues it.
	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := store.ReapExpired(ctx, time.Now())
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Second process against the same stores: the retry replays page one
	// and completes page two.
	fetch2 := &stubFetcher{
		pages: map[string]string{page1: restartListPage, page2: restartSecondPage},
	}
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go restartPool(store, restartRunner(t, fetch2, leadStore)).Run(ctx2)

	job := waitForJob(t, store, "job-restart", engine.JobStatusCompleted)
	require.Equal(t, 1, job.Counts.Succeeded)

	got, err := store.ListTargets(ctx, "job-restart")
	require.NoError(t, err)
	require.Equal(t, engine.TargetStatusSucceeded, got[0].Status)
	require.Equal(t, 2, got[0].AttemptCount, "one attempt per process")

	// Replayed records collapse onto their canonical keys: three unique
	// leads, none doubled.
	n, err := leadStore.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
