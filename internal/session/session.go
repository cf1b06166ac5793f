package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/leadforge/leadcrawler/internal/dedup"
	"github.com/leadforge/leadcrawler/internal/engine"
)

// state names the phases of one target scrape. Cancellation and block signals
// are only acted on at state boundaries.
type state int

const (
	stateInit state = iota
	stateListFetch
	stateExtract
	stateDetails
	stateEmit
	stateDone
)

// SolvePolicy decides whether a challenge is worth sending to the solver.
type SolvePolicy interface {
	ShouldSolve(domain string, challenge bool) bool
}

// Config bounds one session run.
type Config struct {
	MaxListPages    int
	PageLoadTimeout time.Duration
	DetailDelayMin  time.Duration
	DetailDelayMax  time.Duration
	SolveTimeout    time.Duration
	PromoteMinBytes int
}

func (c Config) withDefaults() Config {
	if c.MaxListPages <= 0 {
		c.MaxListPages = 5
	}
	if c.PageLoadTimeout <= 0 {
		c.PageLoadTimeout = 30 * time.Second
	}
	if c.DetailDelayMin <= 0 {
		c.DetailDelayMin = 500 * time.Millisecond
	}
	if c.DetailDelayMax < c.DetailDelayMin {
		c.DetailDelayMax = 2 * c.DetailDelayMin
	}
	if c.SolveTimeout <= 0 {
		c.SolveTimeout = 90 * time.Second
	}
	if c.PromoteMinBytes <= 0 {
		c.PromoteMinBytes = 2048
	}
	return c
}

// Deps are the collaborators a Runner needs. Browser, Snapshots, Solver and
// Policy are optional; a nil Browser disables headless promotion.
type Deps struct {
	Fetcher   engine.Fetcher
	Browser   engine.Browser
	Leads     engine.LeadStore
	Snapshots engine.SnapshotStore
	Solver    engine.Solver
	Policy    SolvePolicy
	Clock     engine.Clock
	Logger    *zap.Logger
}

// Runner executes sessions. One Runner is shared by all workers.
type Runner struct {
	cfg     Config
	deps    Deps
	blocks  *BlockDetector
	promote *PromotionDetector
}

// NewRunner constructs a Runner.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Leads == nil {
		return nil, fmt.Errorf("lead store is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Runner{
		cfg:     cfg,
		deps:    deps,
		blocks:  NewBlockDetector(),
		promote: NewPromotionDetector(cfg.PromoteMinBytes),
	}, nil
}

// CancelCheck reports whether the owning job has been cancelled.
type CancelCheck func(ctx context.Context) (bool, error)

// Run scrapes one target. Leads are written to the store as soon as each
// record is normalized, so a later block or failure never loses prior
// emissions. The returned outcome classifies how the run ended.
func (r *Runner) Run(ctx context.Context, target engine.Target, cancelled CancelCheck) engine.Outcome {
	run := &sessionRun{
		runner:  r,
		target:  target,
		profile: ProfileFor(target.Domain()),
		log: r.deps.Logger.With(
			zap.String("target_id", target.ID),
			zap.String("job_id", target.JobID),
			zap.String("domain", target.Domain()),
		),
		cancelled: cancelled,
	}
	defer run.releasePage()
	return run.loop(ctx)
}

type sessionRun struct {
	runner  *Runner
	target  engine.Target
	profile Profile
	log     *zap.Logger

	cancelled CancelCheck
	page      engine.Page
	promoted  bool
	solved    bool

	state    state
	pageNum  int
	pageURL  string
	pageHTML string
	listings []engine.LeadFields

	leadsEmitted int
	pagesVisited int
}

func (s *sessionRun) loop(ctx context.Context) engine.Outcome {
	for {
		if out, stop := s.checkInterrupts(ctx); stop {
			return out
		}
		switch s.state {
		case stateInit:
			s.pageNum = 1
			s.pageURL = s.profile.SearchURL(s.target, 1)
			s.state = stateListFetch
		case stateListFetch:
			if out, stop := s.fetchListPage(ctx); stop {
				return out
			}
			s.state = stateExtract
		case stateExtract:
			page, err := ParseListPage(s.pageHTML, s.profile, s.pageURL)
			if err != nil {
				return s.outcome(engine.OutcomeFatal, err)
			}
			s.listings = page.Listings
			s.pageURL = page.NextURL
			s.state = stateDetails
		case stateDetails:
			if out, stop := s.fetchDetails(ctx); stop {
				return out
			}
			s.state = stateEmit
		case stateEmit:
			if err := s.emit(ctx); err != nil {
				return s.outcome(engine.OutcomeTransient, err)
			}
			if s.pageURL == "" || s.pageNum >= s.runner.cfg.MaxListPages {
				s.state = stateDone
				continue
			}
			s.pageNum++
			s.state = stateListFetch
		case stateDone:
			return s.outcome(engine.OutcomeSuccess, nil)
		}
	}
}

func (s *sessionRun) checkInterrupts(ctx context.Context) (engine.Outcome, bool) {
	if err := ctx.Err(); err != nil {
		return s.outcome(engine.OutcomeTransient, err), true
	}
	if s.cancelled == nil {
		return engine.Outcome{}, false
	}
	stop, err := s.cancelled(ctx)
	if err != nil {
		s.log.Warn("cancellation check failed", zap.Error(err))
		return engine.Outcome{}, false
	}
	if stop {
		return s.outcome(engine.OutcomeFatal, engine.ErrJobCancelled), true
	}
	return engine.Outcome{}, false
}

// fetchListPage loads the current list page, promoting to the browser when
// the plain response looks unrendered and retrying once after a solve.
func (s *sessionRun) fetchListPage(ctx context.Context) (engine.Outcome, bool) {
	html, verdict, err := s.fetchPage(ctx, s.pageURL, true)
	if err != nil {
		return s.outcome(engine.OutcomeTransient, err), true
	}
	if verdict.Blocked {
		return s.handleBlock(ctx, s.pageURL, html, verdict, func(ctx context.Context) (engine.Outcome, bool) {
			return s.fetchListPage(ctx)
		})
	}
	s.pageHTML = html
	s.pagesVisited++
	return engine.Outcome{}, false
}

func (s *sessionRun) fetchDetails(ctx context.Context) (engine.Outcome, bool) {
	if !s.profile.HasDetailFields() {
		return engine.Outcome{}, false
	}
	for i := range s.listings {
		detailURL := s.listings[i].DetailURL
		if detailURL == "" {
			continue
		}
		if out, stop := s.checkInterrupts(ctx); stop {
			return out, true
		}
		if err := s.pause(ctx); err != nil {
			return s.outcome(engine.OutcomeTransient, err), true
		}
		html, verdict, err := s.fetchPage(ctx, detailURL, false)
		if err != nil {
			s.flushPartial(ctx)
			return s.outcome(engine.OutcomeTransient, err), true
		}
		if verdict.Blocked {
			s.flushPartial(ctx)
			return s.handleBlock(ctx, detailURL, html, verdict, nil)
		}
		merged, err := ParseDetailPage(html, s.profile, detailURL, s.listings[i])
		if err != nil {
			s.log.Warn("detail page unparseable", zap.String("url", detailURL), zap.Error(err))
			continue
		}
		s.listings[i] = merged
	}
	return engine.Outcome{}, false
}

// flushPartial emits the listings extracted so far, so a block or failure
// during detail fetching never discards completed work. Upserts are
// idempotent, so a retried target re-emitting the same records is harmless.
func (s *sessionRun) flushPartial(ctx context.Context) {
	if len(s.listings) == 0 {
		return
	}
	if err := s.emit(ctx); err != nil {
		s.log.Warn("partial emit failed", zap.Error(err))
	}
}

// emit streams each listing straight into the lead store.
func (s *sessionRun) emit(ctx context.Context) error {
	now := s.runner.deps.Clock.Now()
	for _, fields := range s.listings {
		fields.Location = orDefault(fields.Location, s.target.Location)
		fields.Category = orDefault(fields.Category, s.target.Category)
		key, err := dedup.CanonicalKey(s.target.Source, fields, now)
		if err != nil {
			s.log.Warn("skipping malformed record", zap.Error(err))
			continue
		}
		lead := engine.Lead{
			CanonicalKey: key,
			Source:       s.target.Source,
			Fields:       fields,
			FirstSeenAt:  now,
			LastSeenAt:   now,
		}
		if _, err := s.runner.deps.Leads.Upsert(ctx, lead); err != nil {
			return fmt.Errorf("upsert lead: %w", err)
		}
		s.leadsEmitted++
	}
	s.listings = nil
	return nil
}

// fetchPage fetches over plain HTTP first and switches the whole session to
// the browser once a page proves to need rendering.
func (s *sessionRun) fetchPage(ctx context.Context, url string, allowPromotion bool) (string, BlockVerdict, error) {
	if s.promoted {
		return s.fetchWithBrowser(ctx, url)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.runner.cfg.PageLoadTimeout)
	defer cancel()
	resp, err := s.runner.deps.Fetcher.Fetch(fetchCtx, url)
	if err != nil {
		return "", BlockVerdict{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	verdict := s.runner.blocks.Inspect(resp.StatusCode, url, resp.FinalURL, resp.Body)
	if verdict.Blocked {
		return string(resp.Body), verdict, nil
	}
	if allowPromotion && s.runner.deps.Browser != nil &&
		s.runner.promote.NeedsBrowser(resp.Body, s.profile.ItemSelector) {
		s.log.Debug("promoting session to headless browser", zap.String("url", url))
		s.promoted = true
		return s.fetchWithBrowser(ctx, url)
	}
	return string(resp.Body), verdict, nil
}

func (s *sessionRun) fetchWithBrowser(ctx context.Context, url string) (string, BlockVerdict, error) {
	if s.page == nil {
		page, err := s.runner.deps.Browser.Acquire(ctx)
		if err != nil {
			return "", BlockVerdict{}, fmt.Errorf("acquire browser page: %w", err)
		}
		s.page = page
	}
	navCtx, cancel := context.WithTimeout(ctx, s.runner.cfg.PageLoadTimeout)
	defer cancel()
	if err := s.page.Navigate(navCtx, url); err != nil {
		return "", BlockVerdict{}, fmt.Errorf("navigate %s: %w", url, err)
	}
	html, err := s.page.HTML(navCtx)
	if err != nil {
		return "", BlockVerdict{}, fmt.Errorf("read page html: %w", err)
	}
	verdict := s.runner.blocks.Inspect(0, url, "", []byte(html))
	return html, verdict, nil
}

// handleBlock snapshots the offending page, then either hands the challenge
// to the solver and retries once, or ends the run with a blocked outcome.
// Leads already emitted stay emitted.
func (s *sessionRun) handleBlock(
	ctx context.Context,
	url, html string,
	verdict BlockVerdict,
	retry func(context.Context) (engine.Outcome, bool),
) (engine.Outcome, bool) {
	s.log.Info("block detected",
		zap.String("url", url),
		zap.String("kind", verdict.Kind),
		zap.Bool("challenge", verdict.Challenge),
	)
	s.snapshot(ctx, url, html)

	canSolve := !s.solved && retry != nil &&
		s.runner.deps.Solver != nil && s.runner.deps.Policy != nil &&
		s.runner.deps.Policy.ShouldSolve(s.target.Domain(), verdict.Challenge)
	if canSolve {
		s.solved = true
		solveCtx, cancel := context.WithTimeout(ctx, s.runner.cfg.SolveTimeout)
		defer cancel()
		_, err := s.runner.deps.Solver.Solve(solveCtx, engine.ChallengePayload{
			Domain: s.target.Domain(),
			URL:    url,
			Kind:   verdict.Kind,
			HTML:   []byte(html),
		})
		if err == nil {
			s.log.Info("challenge solved, retrying page", zap.String("url", url))
			return retry(ctx)
		}
		s.log.Warn("solver failed", zap.Error(err))
	}

	out := s.outcome(engine.OutcomeBlocked, fmt.Errorf("blocked at %s: %s", url, verdict.Kind))
	out.Challenge = verdict.Challenge
	return out, true
}

func (s *sessionRun) snapshot(ctx context.Context, url, html string) {
	if s.runner.deps.Snapshots == nil || html == "" {
		return
	}
	path := fmt.Sprintf("blocked/%s/%s-%d.html",
		s.target.Domain(), s.target.ID, s.runner.deps.Clock.Now().Unix())
	uri, err := s.runner.deps.Snapshots.Put(ctx, path, "text/html", []byte(html))
	if err != nil {
		s.log.Warn("snapshot write failed", zap.String("url", url), zap.Error(err))
		return
	}
	s.log.Debug("blocked page archived", zap.String("uri", uri))
}

// pause sleeps a randomized interval between detail fetches.
func (s *sessionRun) pause(ctx context.Context) error {
	delay := jitterBetween(s.runner.cfg.DetailDelayMin, s.runner.cfg.DetailDelayMax)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *sessionRun) releasePage() {
	if s.page != nil {
		s.page.Release()
		s.page = nil
	}
}

func (s *sessionRun) outcome(kind engine.OutcomeKind, err error) engine.Outcome {
	return engine.Outcome{
		Kind:         kind,
		LeadsEmitted: s.leadsEmitted,
		PagesVisited: s.pagesVisited,
		Err:          err,
	}
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func jitterBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min)))
	if err != nil {
		return min
	}
	return min + time.Duration(n.Int64())
}
