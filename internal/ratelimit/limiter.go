package ratelimit

import (
	"crypto/rand"
	"math"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/leadforge/leadcrawler/internal/engine"
)

// Config controls pacing intervals and block cooldowns.
type Config struct {
	// MinInterval/MaxInterval bound the randomized inter-request delay, so
	// request timing never settles into a fingerprintable fixed cadence.
	MinInterval time.Duration
	MaxInterval time.Duration
	// Window/WindowMaxRequests cap the rolling request rate per domain.
	Window            time.Duration
	WindowMaxRequests int
	// CooldownBase/CooldownMax shape the exponential block backoff.
	CooldownBase time.Duration
	CooldownMax  time.Duration
	// QuietReset is how long a domain must stay block-free before its
	// block count resets.
	QuietReset time.Duration
	// EscalateAfterBlocks is the consecutive-block count past which the
	// solver is no longer consulted and the cooldown applies domain-wide.
	EscalateAfterBlocks int
}

func (c *Config) applyDefaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = c.MinInterval
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.WindowMaxRequests <= 0 {
		c.WindowMaxRequests = 30
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = time.Minute
	}
	if c.CooldownMax < c.CooldownBase {
		c.CooldownMax = time.Hour
	}
	if c.QuietReset <= 0 {
		c.QuietReset = 30 * time.Minute
	}
	if c.EscalateAfterBlocks <= 0 {
		c.EscalateAfterBlocks = 3
	}
}

// Limiter gates per-domain scraping: leasing eligibility, inter-request
// pacing, and block backoff. Safe for concurrent use by all worker slots.
type Limiter struct {
	cfg    Config
	states StateStore
	clock  engine.Clock

	mu      sync.Mutex
	windows map[string]*rate.Limiter
}

// New builds a Limiter on top of a state store.
func New(cfg Config, states StateStore, clock engine.Clock) *Limiter {
	cfg.applyDefaults()
	return &Limiter{
		cfg:     cfg,
		states:  states,
		clock:   clock,
		windows: make(map[string]*rate.Limiter),
	}
}

// Eligible reports whether the domain may be leased right now: its backoff
// has elapsed and the rolling window has a token available.
func (l *Limiter) Eligible(domain string) bool {
	now := l.clock.Now()
	if st, ok := l.states.Get(domain); ok && now.Before(st.BackoffUntil) {
		return false
	}
	return l.window(domain).Tokens() >= 1
}

// BackoffUntil returns the moment a domain becomes eligible again; zero when
// it is not backed off.
func (l *Limiter) BackoffUntil(domain string) time.Time {
	st, ok := l.states.Get(domain)
	if !ok || !l.clock.Now().Before(st.BackoffUntil) {
		return time.Time{}
	}
	return st.BackoffUntil
}

// NextDelay consumes one rolling-window token and returns how long the caller
// must pause before issuing the next request to this domain: the randomized
// inter-request interval, extended by the window reservation when the cap is
// exhausted.
func (l *Limiter) NextDelay(domain string) time.Duration {
	delay := l.randomInterval()
	res := l.window(domain).Reserve()
	if res.OK() {
		if d := res.Delay(); d > delay {
			delay = d
		}
	}
	l.touch(domain)
	return delay
}

// OnBlock records an anti-automation signal for a domain and returns the new
// backoff deadline: now + min(CooldownMax, CooldownBase × 2^blocks).
func (l *Limiter) OnBlock(domain string) time.Time {
	now := l.clock.Now()
	for {
		old, _ := l.states.Get(domain)
		st := old
		st.Domain = domain
		st.BlockCount++
		st.LastBlockAt = now
		st.BackoffUntil = now.Add(l.cooldown(st.BlockCount))
		if l.states.Swap(withDomain(old, domain), st) {
			return st.BackoffUntil
		}
	}
}

// OnQuiet notes a block-free completion; once the quiet period has elapsed
// since the last block, the block count resets so cooldowns stop escalating.
func (l *Limiter) OnQuiet(domain string) {
	now := l.clock.Now()
	for {
		old, ok := l.states.Get(domain)
		if !ok || old.BlockCount == 0 {
			return
		}
		if now.Sub(old.LastBlockAt) < l.cfg.QuietReset {
			return
		}
		st := old
		st.BlockCount = 0
		st.BackoffUntil = time.Time{}
		if l.states.Swap(old, st) {
			return
		}
	}
}

// ShouldSolve decides whether a solvable challenge is worth sending to the
// external solver. Past the escalation threshold the domain cools down
// instead.
func (l *Limiter) ShouldSolve(domain string, challenge bool) bool {
	if !challenge {
		return false
	}
	st, _ := l.states.Get(domain)
	return st.BlockCount < l.cfg.EscalateAfterBlocks
}

// SkipList returns the domains currently backed off, plus the earliest moment
// one of them becomes eligible again. The lease query excludes these domains
// and the pool sleeps no longer than the returned wakeup when idle.
func (l *Limiter) SkipList() ([]string, time.Time) {
	now := l.clock.Now()
	var (
		domains []string
		wakeup  time.Time
	)
	for _, st := range l.states.List() {
		if !now.Before(st.BackoffUntil) {
			continue
		}
		domains = append(domains, st.Domain)
		if wakeup.IsZero() || st.BackoffUntil.Before(wakeup) {
			wakeup = st.BackoffUntil
		}
	}
	return domains, wakeup
}

// Snapshot returns the current state for observability and tests.
func (l *Limiter) Snapshot(domain string) State {
	st, _ := l.states.Get(domain)
	return st
}

func (l *Limiter) cooldown(blocks int) time.Duration {
	if blocks < 1 {
		blocks = 1
	}
	d := float64(l.cfg.CooldownBase) * math.Pow(2, float64(blocks-1))
	if d > float64(l.cfg.CooldownMax) {
		return l.cfg.CooldownMax
	}
	return time.Duration(d)
}

func (l *Limiter) window(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[domain]
	if !ok {
		perSecond := float64(l.cfg.WindowMaxRequests) / l.cfg.Window.Seconds()
		w = rate.NewLimiter(rate.Limit(perSecond), l.cfg.WindowMaxRequests)
		l.windows[domain] = w
	}
	return w
}

func (l *Limiter) touch(domain string) {
	now := l.clock.Now()
	for {
		old, _ := l.states.Get(domain)
		st := old
		st.Domain = domain
		st.LastRequestAt = now
		if l.states.Swap(withDomain(old, domain), st) {
			return
		}
	}
}

func (l *Limiter) randomInterval() time.Duration {
	span := l.cfg.MaxInterval - l.cfg.MinInterval
	if span <= 0 {
		return l.cfg.MinInterval
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return l.cfg.MinInterval + span/2
	}
	return l.cfg.MinInterval + time.Duration(n.Int64())
}

func withDomain(st State, domain string) State {
	st.Domain = domain
	return st
}
