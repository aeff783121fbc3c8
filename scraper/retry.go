package scraper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-catalog-etl/config"
	"github.com/gocolly/colly/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// retryManager schedules bounded, backed-off replays of failed
// requests. Replaying the original *colly.Request keeps its context
// intact, so a retried category page still knows which category it
// belongs to. Attempt counts live in an LRU so the table stays bounded
// over arbitrarily long crawls.
type retryManager struct {
	cfg     *config.Config
	metrics *Metrics

	// onAbandon is invoked exactly once for every scheduled replay
	// cancelled before it could be issued, so the failure is still
	// recorded as final instead of vanishing with the timer.
	onAbandon func(*colly.Request, error)

	mu           sync.Mutex
	cond         *sync.Cond
	ctx          context.Context
	attempts     *lru.Cache[string, int]
	pending      map[string]*pendingRetry
	totalRetries int
	stopped      bool
}

// pendingRetry is one replay waiting on its backoff timer. done flips
// exactly once under the manager lock, whichever of the timer callback
// and Stop gets there first.
type pendingRetry struct {
	req   *colly.Request
	cause error
	timer *time.Timer
	done  bool
}

func newRetryManager(cfg *config.Config, metrics *Metrics) (*retryManager, error) {
	attempts, err := lru.New[string, int](cfg.RetryTableSize)
	if err != nil {
		return nil, err
	}
	rm := &retryManager{
		cfg:      cfg,
		metrics:  metrics,
		attempts: attempts,
		pending:  make(map[string]*pendingRetry),
		ctx:      context.Background(),
	}
	rm.cond = sync.NewCond(&rm.mu)
	return rm, nil
}

// Schedule queues a replay of req after backoff. It returns false when
// the retry budget for that URL is spent or the manager has stopped,
// meaning the caller must record the failure as final. cause is the
// classified error that triggered the retry; it is reported through
// the abandonment callback if the replay never gets to run.
func (rm *retryManager) Schedule(req *colly.Request, cause error) bool {
	if rm.cfg.MaxRetries == 0 || req == nil || req.URL == nil {
		return false
	}

	url := req.URL.String()

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped || (rm.ctx != nil && rm.ctx.Err() != nil) {
		return false
	}

	attempt, _ := rm.attempts.Get(url)
	if attempt >= rm.cfg.MaxRetries {
		return false
	}

	attempt++
	rm.attempts.Add(url, attempt)
	rm.totalRetries++
	rm.metrics.IncRetries()

	if prev, ok := rm.pending[url]; ok {
		prev.timer.Stop()
		prev.done = true
	}
	entry := &pendingRetry{req: req, cause: cause}
	entry.timer = time.AfterFunc(rm.backoff(attempt), func() {
		rm.fireRetry(url, entry)
	})
	rm.pending[url] = entry
	return true
}

func (rm *retryManager) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := rm.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := rm.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (rm *retryManager) fireRetry(url string, entry *pendingRetry) {
	rm.mu.Lock()
	if entry.done {
		rm.mu.Unlock()
		return
	}
	entry.done = true
	stopped := rm.stopped
	ctx := rm.ctx
	rm.mu.Unlock()

	if stopped || (ctx != nil && ctx.Err() != nil) {
		rm.abandon(entry)
	} else if err := entry.req.Retry(); err != nil {
		slog.Debug("retry failed", slog.String("url", url), slog.Any("error", err))
		rm.abandon(entry)
	}

	rm.mu.Lock()
	if rm.pending[url] == entry {
		delete(rm.pending, url)
	}
	rm.cond.Broadcast()
	rm.mu.Unlock()
}

func (rm *retryManager) abandon(entry *pendingRetry) {
	if rm.onAbandon != nil {
		rm.onAbandon(entry.req, entry.cause)
	}
}

// WaitPending blocks until every scheduled replay has been issued or
// abandoned. It reports whether any replay was pending, so the run
// loop knows to wait on the collector again for the replayed requests.
// A replay is re-registered with the collector before it leaves the
// pending table, so no request can slip between the two waits.
func (rm *retryManager) WaitPending() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if len(rm.pending) == 0 {
		return false
	}
	for len(rm.pending) > 0 && !rm.stopped {
		rm.cond.Wait()
	}
	return true
}

// Stop cancels all pending replays, routing each one through the
// abandonment callback so the underlying failure stays visible in the
// crawl summary.
func (rm *retryManager) Stop() {
	rm.mu.Lock()
	if rm.stopped {
		rm.mu.Unlock()
		return
	}
	rm.stopped = true

	var abandoned []*pendingRetry
	for url, entry := range rm.pending {
		entry.timer.Stop()
		if !entry.done {
			entry.done = true
			abandoned = append(abandoned, entry)
		}
		delete(rm.pending, url)
	}
	rm.cond.Broadcast()
	rm.mu.Unlock()

	for _, entry := range abandoned {
		rm.abandon(entry)
	}
}

// TotalRetries returns the number of retries scheduled so far.
func (rm *retryManager) TotalRetries() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.totalRetries
}

// SetContext installs the run context consulted before each replay.
func (rm *retryManager) SetContext(ctx context.Context) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if ctx == nil {
		rm.ctx = context.Background()
		return
	}
	rm.ctx = ctx
}
