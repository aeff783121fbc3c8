// Package scraper walks the catalog site and extracts normalized records.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-catalog-etl/config"
	"github.com/aluiziolira/go-catalog-etl/models"
	"github.com/aluiziolira/go-catalog-etl/parser"
	"github.com/aluiziolira/go-catalog-etl/pipeline"
	"github.com/gocolly/colly/v2"
)

// Request context keys. Every visit carries its page kind so response
// and error handlers know what failed and how to account for it.
const (
	ctxKind     = "kind"
	ctxCategory = "category"
	ctxFirst    = "first"
	ctxItem     = "item"
	ctxStart    = "start"

	kindRoot     = "root"
	kindCategory = "category"
	kindDetail   = "detail"
)

// Scraper drives the category walk over a colly collector.
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	pacer     *pacer
	retry     *retryManager
	Metrics   *Metrics

	runCtx context.Context

	requestCount    int64
	pageCount       int64
	errorCount      int64
	categoriesFound int64

	mu                sync.Mutex
	categoriesSkipped int
	pagesFailed       int
	itemsSkipped      map[string]int
	errorsByType      map[string]int
	rootErr           error

	handlersOnce sync.Once
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.Async(true),
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
	}); err != nil {
		return nil, fmt.Errorf("configure concurrency limit: %w", err)
	}

	metrics := NewMetrics()
	retry, err := newRetryManager(cfg, metrics)
	if err != nil {
		return nil, fmt.Errorf("configure retry manager: %w", err)
	}

	s := &Scraper{
		cfg:          cfg,
		collector:    collector,
		pacer:        newPacer(cfg.Delay),
		retry:        retry,
		Metrics:      metrics,
		itemsSkipped: make(map[string]int),
		errorsByType: make(map[string]int),
		runCtx:       context.Background(),
	}
	retry.onAbandon = s.recordFailure
	return s, nil
}

// Run walks the whole catalog and streams records through the pipeline.
// It returns an error only when the catalog root itself is unreachable;
// partial coverage is reported through the summary instead.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.CrawlSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runCtx = ctx
	s.retry.SetContext(ctx)
	s.configureHandlers(ctx, p)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.collector.Wait()
			s.retry.Stop()
		case <-done:
		}
	}()

	if err := s.visit(s.cfg.BaseURL, kindRoot, "", true, nil); err != nil {
		return nil, fmt.Errorf("initial visit: %w", err)
	}

	// A failure near the end of the walk schedules its replay after the
	// collector has otherwise drained, so keep waiting until no replay
	// is pending.
	for {
		s.collector.Wait()
		if !s.retry.WaitPending() {
			break
		}
	}
	s.retry.Stop()

	s.mu.Lock()
	rootErr := s.rootErr
	s.mu.Unlock()
	if rootErr != nil {
		return nil, fmt.Errorf("catalog root unreachable: %w", rootErr)
	}

	summary := &models.CrawlSummary{
		CategoriesFound: int(atomic.LoadInt64(&s.categoriesFound)),
		RetryCount:      s.retry.TotalRetries(),
		RequestCount:    int(atomic.LoadInt64(&s.requestCount)),
		PageCount:       int(atomic.LoadInt64(&s.pageCount)),
	}

	s.mu.Lock()
	summary.CategoriesSkipped = s.categoriesSkipped
	summary.PagesFailed = s.pagesFailed
	summary.ItemsSkipped = copyCounts(s.itemsSkipped)
	summary.ErrorsByType = copyCounts(s.errorsByType)
	s.mu.Unlock()

	return summary, nil
}

func (s *Scraper) configureHandlers(ctx context.Context, p *pipeline.Pipeline) {
	s.handlersOnce.Do(func() {
		s.collector.OnRequest(func(r *colly.Request) {
			if ctx.Err() != nil {
				r.Abort()
				return
			}
			if err := s.pacer.Wait(ctx); err != nil {
				r.Abort()
				return
			}
			r.Ctx.Put(ctxStart, time.Now())
			current := atomic.AddInt64(&s.requestCount, 1)
			s.Metrics.IncRequest("started")
			if current%50 == 0 {
				slog.Debug("crawl progress",
					slog.Int64("requests", current),
					slog.Int64("pages", atomic.LoadInt64(&s.pageCount)),
					slog.String("url", r.URL.String()),
				)
			}
		})

		s.collector.OnResponse(func(r *colly.Response) {
			if kind := r.Ctx.Get(ctxKind); kind == kindRoot || kind == kindCategory {
				atomic.AddInt64(&s.pageCount, 1)
			}
			if start, ok := r.Ctx.GetAny(ctxStart).(time.Time); ok {
				s.Metrics.ObserveDuration(time.Since(start))
			}
		})

		s.collector.OnError(func(r *colly.Response, err error) {
			atomic.AddInt64(&s.errorCount, 1)
			statusCode := 0
			if r != nil {
				statusCode = r.StatusCode
			}
			classified := classifyError(err, statusCode)
			category := errorTypeLabel(classified)

			s.mu.Lock()
			s.errorsByType[category]++
			s.mu.Unlock()
			s.Metrics.IncError(category)

			if r == nil || r.Request == nil {
				return
			}

			slog.Warn("request error",
				slog.String("url", r.Request.URL.String()),
				slog.String("kind", r.Request.Ctx.Get(ctxKind)),
				slog.String("category", category),
				slog.Any("error", err),
			)

			if retryable(classified) && s.retry.Schedule(r.Request, classified) {
				return
			}
			s.recordFailure(r.Request, classified)
		})

		// Category links appear in the sidebar of every page; only the
		// root visit enumerates them, otherwise the walk would loop.
		s.collector.OnHTML("div.side_categories ul li ul li a", func(e *colly.HTMLElement) {
			if e.Request.Ctx.Get(ctxKind) != kindRoot {
				return
			}
			name := strings.TrimSpace(e.Text)
			href := e.Attr("href")
			if name == "" || href == "" {
				return
			}
			atomic.AddInt64(&s.categoriesFound, 1)
			if err := s.visit(e.Request.AbsoluteURL(href), kindCategory, name, true, nil); err != nil {
				slog.Debug("category visit", slog.String("category", name), slog.Any("error", err))
			}
		})

		s.collector.OnHTML("article.product_pod", func(e *colly.HTMLElement) {
			// The landing page lists pods too, without a category to
			// attribute them to; the category walk covers every item.
			if e.Request.Ctx.Get(ctxKind) != kindCategory {
				return
			}
			category := e.Request.Ctx.Get(ctxCategory)
			item, err := s.extractFragment(e, category)
			if err != nil {
				s.skipItem(parser.Reason(err))
				slog.Warn("item fragment skipped", slog.String("category", category), slog.Any("error", err))
				return
			}
			if err := s.visit(item.ProductURL, kindDetail, category, false, item); err != nil {
				slog.Debug("detail visit", slog.String("url", item.ProductURL), slog.Any("error", err))
			}
		})

		s.collector.OnHTML("li.next a", func(e *colly.HTMLElement) {
			if e.Request.Ctx.Get(ctxKind) != kindCategory {
				return
			}
			if ctx.Err() != nil {
				return
			}
			category := e.Request.Ctx.Get(ctxCategory)
			next := e.Request.AbsoluteURL(e.Attr("href"))
			if err := s.visit(next, kindCategory, category, false, nil); err != nil {
				slog.Debug("next page visit", slog.String("url", next), slog.Any("error", err))
			}
		})

		s.collector.OnHTML("article.product_page", func(e *colly.HTMLElement) {
			if e.Request.Ctx.Get(ctxKind) != kindDetail {
				return
			}
			item, ok := e.Request.Ctx.GetAny(ctxItem).(*models.CatalogItem)
			if !ok || item == nil {
				return
			}

			s.completeFromDetail(e, item)

			if err := parser.Validate(item); err != nil {
				s.skipItem(parser.Reason(err))
				slog.Warn("item skipped", slog.String("url", item.ProductURL), slog.Any("error", err))
				return
			}

			s.Metrics.IncItems()
			if err := p.Process(item); err != nil && !errors.Is(err, pipeline.ErrPipelineClosed) {
				slog.Error("pipeline process error", slog.Any("error", err))
			}
		})
	})
}

// extractFragment normalizes the listing fragment of one item. The
// detail page later fills in description, UPC, and stock.
func (s *Scraper) extractFragment(e *colly.HTMLElement, category string) (*models.CatalogItem, error) {
	title := strings.TrimSpace(e.ChildAttr("h3 a", "title"))
	if title == "" {
		title = strings.TrimSpace(e.ChildText("h3 a"))
	}
	if title == "" {
		return nil, parser.ErrMalformed{Reason: "fragment missing title link"}
	}

	href := e.ChildAttr("h3 a", "href")
	if href == "" {
		return nil, parser.ErrMalformed{Reason: fmt.Sprintf("fragment missing detail link for %s", title)}
	}

	price, currency, err := parser.ParsePrice(e.ChildText("p.price_color"))
	if err != nil {
		return nil, err
	}

	availability := strings.TrimSpace(e.ChildText("p.instock.availability"))
	if availability == "" {
		availability = strings.TrimSpace(e.ChildText("p.availability"))
	}

	return &models.CatalogItem{
		Title:        title,
		Price:        price,
		Currency:     currency,
		Rating:       parser.RatingFromClass(e.ChildAttr("p.star-rating", "class")),
		Availability: availability,
		Category:     category,
		ProductURL:   e.Request.AbsoluteURL(href),
		ImageURL:     e.Request.AbsoluteURL(e.ChildAttr("img", "src")),
	}, nil
}

// completeFromDetail fills the fields only the product page carries.
func (s *Scraper) completeFromDetail(e *colly.HTMLElement, item *models.CatalogItem) {
	item.Description = strings.TrimSpace(e.ChildText("#product_description ~ p"))

	stockText := ""
	e.ForEach("table.table.table-striped tr", func(_ int, row *colly.HTMLElement) {
		label := strings.TrimSpace(row.ChildText("th"))
		value := strings.TrimSpace(row.ChildText("td"))
		switch label {
		case "UPC":
			item.UPC = value
		case "Availability":
			stockText = value
		}
	})

	if stockText == "" {
		stockText = item.Availability
	}
	item.Stock = parser.StockFromAvailability(stockText)
}

// visit issues a request carrying the walk state in its colly context.
func (s *Scraper) visit(rawURL, kind, category string, first bool, item *models.CatalogItem) error {
	cctx := colly.NewContext()
	cctx.Put(ctxKind, kind)
	cctx.Put(ctxCategory, category)
	if first {
		cctx.Put(ctxFirst, "1")
	}
	if item != nil {
		cctx.Put(ctxItem, item)
	}
	return s.collector.Request(http.MethodGet, rawURL, nil, cctx, nil)
}

// recordFailure accounts for a request given up on. What the failure
// means depends on which step of the walk issued it.
func (s *Scraper) recordFailure(req *colly.Request, classified error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Ctx.Get(ctxKind) {
	case kindRoot:
		if retryable(classified) {
			classified = ErrUnavailable{Err: classified}
		}
		s.rootErr = classified
	case kindCategory:
		if req.Ctx.Get(ctxFirst) == "1" {
			s.categoriesSkipped++
			s.Metrics.IncCategorySkipped()
			slog.Warn("category skipped",
				slog.String("category", req.Ctx.Get(ctxCategory)),
				slog.Any("error", classified),
			)
			return
		}
		s.pagesFailed++
		s.Metrics.IncPageFailed()
	case kindDetail:
		s.itemsSkipped["detail_unavailable"]++
		s.Metrics.IncItemSkipped("detail_unavailable")
	}
}

func (s *Scraper) skipItem(reason string) {
	s.mu.Lock()
	s.itemsSkipped[reason]++
	s.mu.Unlock()
	s.Metrics.IncItemSkipped(reason)
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch {
		case statusCode == http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case statusCode == http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
			return ErrNotFound{Err: wrapped}
		}
	}

	if err == nil {
		return nil
	}
	return err
}
