package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-catalog-etl/config"
	"github.com/aluiziolira/go-catalog-etl/models"
	"github.com/aluiziolira/go-catalog-etl/pipeline"
	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test/"
	cfg.Parallelism = 4
	cfg.Delay = 0
	cfg.Timeout = 5 * time.Second
	cfg.MaxRetries = 0
	return cfg
}

type collectingWriter struct {
	mu    sync.Mutex
	items []*models.CatalogItem
}

func (cw *collectingWriter) Add(item *models.CatalogItem) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.items = append(cw.items, item)
	return nil
}

func (cw *collectingWriter) All() []*models.CatalogItem {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	out := make([]*models.CatalogItem, len(cw.items))
	copy(out, cw.items)
	return out
}

func (cw *collectingWriter) Count() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return len(cw.items)
}

func htmlResponder(body string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, body)
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		resp.Request = req
		return resp, nil
	}
}

func rootPage(categories map[string]string) string {
	var sb strings.Builder
	sb.WriteString(`<html><body><div class="side_categories"><ul class="nav nav-list"><li><a href="catalogue/category/books_1/index.html">Books</a><ul>`)
	for name, href := range categories {
		fmt.Fprintf(&sb, `<li><a href="%s"> %s </a></li>`, href, name)
	}
	sb.WriteString(`</ul></li></ul></div></body></html>`)
	return sb.String()
}

type podSpec struct {
	title  string
	href   string
	price  string
	rating string
}

func categoryPage(pods []podSpec, next string) string {
	var sb strings.Builder
	sb.WriteString(`<html><body><section>`)
	for _, pod := range pods {
		fmt.Fprintf(&sb, `<article class="product_pod">`+
			`<div class="image_container"><a href="%s"><img src="../../../../media/%s.jpg"></a></div>`+
			`<p class="star-rating %s"></p>`+
			`<h3><a href="%s" title="%s">%s</a></h3>`+
			`<div class="product_price"><p class="price_color">%s</p>`+
			`<p class="instock availability">In stock</p></div>`+
			`</article>`,
			pod.href, pod.title, pod.rating, pod.href, pod.title, pod.title, pod.price)
	}
	if next != "" {
		fmt.Fprintf(&sb, `<ul class="pager"><li class="next"><a href="%s">next</a></li></ul>`, next)
	}
	sb.WriteString(`</section></body></html>`)
	return sb.String()
}

func detailPage(upc, availability, description string) string {
	var sb strings.Builder
	sb.WriteString(`<html><body><article class="product_page">`)
	sb.WriteString(`<div id="product_description" class="sub-header"><h2>Product Description</h2></div>`)
	fmt.Fprintf(&sb, `<p>%s</p>`, description)
	sb.WriteString(`<table class="table table-striped">`)
	if upc != "" {
		fmt.Fprintf(&sb, `<tr><th>UPC</th><td>%s</td></tr>`, upc)
	}
	fmt.Fprintf(&sb, `<tr><th>Availability</th><td>%s</td></tr>`, availability)
	sb.WriteString(`</table></article></body></html>`)
	return sb.String()
}

func newTestScraper(t *testing.T, cfg *config.Config, transport *httpmock.MockTransport) *Scraper {
	t.Helper()
	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)
	return s
}

func runScraper(t *testing.T, s *Scraper, cfg *config.Config) (*models.CrawlSummary, *collectingWriter, error) {
	t.Helper()
	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start()

	summary, err := s.Run(context.Background(), p)
	if closeErr := p.Close(); closeErr != nil {
		t.Fatalf("close pipeline: %v", closeErr)
	}
	return summary, writer, err
}

func TestScraperIntegration(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	root := rootPage(map[string]string{
		"Travel": "catalogue/category/books/travel_2/index.html",
		"Poetry": "catalogue/category/books/poetry_23/index.html",
	})
	transport.RegisterResponder("GET", cfg.BaseURL, htmlResponder(root))
	transport.RegisterResponder("GET", strings.TrimSuffix(cfg.BaseURL, "/"), htmlResponder(root))

	transport.RegisterResponder("GET", "http://example.test/catalogue/category/books/travel_2/index.html",
		htmlResponder(categoryPage([]podSpec{
			{title: "Book 1", href: "../../../book-1/index.html", price: "£51.77", rating: "Three"},
			{title: "Book 2", href: "../../../book-2/index.html", price: "£23.88", rating: "One"},
		}, "page-2.html")))
	transport.RegisterResponder("GET", "http://example.test/catalogue/category/books/travel_2/page-2.html",
		htmlResponder(categoryPage([]podSpec{
			{title: "Book 3", href: "../../../book-3/index.html", price: "£10.00", rating: "Five"},
		}, "")))
	transport.RegisterResponder("GET", "http://example.test/catalogue/category/books/poetry_23/index.html",
		htmlResponder(categoryPage([]podSpec{
			{title: "Book 4", href: "../../../book-4/index.html", price: "£17.46", rating: "Zero"},
		}, "")))

	transport.RegisterResponder("GET", "http://example.test/catalogue/book-1/index.html",
		htmlResponder(detailPage("upc-0001", "In stock (22 available)", "A travel book.")))
	transport.RegisterResponder("GET", "http://example.test/catalogue/book-2/index.html",
		htmlResponder(detailPage("upc-0002", "In stock (3 available)", "Another travel book.")))
	transport.RegisterResponder("GET", "http://example.test/catalogue/book-3/index.html",
		htmlResponder(detailPage("upc-0003", "Out of stock", "")))
	transport.RegisterResponder("GET", "http://example.test/catalogue/book-4/index.html",
		htmlResponder(detailPage("upc-0004", "In stock (1 available)", "Poems.")))

	s := newTestScraper(t, cfg, transport)
	summary, writer, err := runScraper(t, s, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := writer.Count(); got != 4 {
		t.Fatalf("records = %d, want 4 (summary: %+v)", got, summary)
	}
	if summary.CategoriesFound != 2 {
		t.Fatalf("categories found = %d, want 2", summary.CategoriesFound)
	}
	if summary.CategoriesSkipped != 0 || summary.PagesFailed != 0 {
		t.Fatalf("unexpected failures: %+v", summary)
	}
	if summary.Degraded() {
		t.Fatalf("full walk should not be degraded: %+v", summary)
	}

	var sample *models.CatalogItem
	for _, item := range writer.All() {
		if item.UPC == "upc-0001" {
			sample = item
			break
		}
	}
	if sample == nil {
		t.Fatalf("expected record with UPC upc-0001")
	}
	if sample.Title != "Book 1" {
		t.Fatalf("title = %q, want %q", sample.Title, "Book 1")
	}
	if sample.Price != 51.77 || sample.Currency != "GBP" {
		t.Fatalf("price = %v %s, want 51.77 GBP", sample.Price, sample.Currency)
	}
	if sample.Rating != 3 {
		t.Fatalf("rating = %d, want 3", sample.Rating)
	}
	if sample.Stock != 22 {
		t.Fatalf("stock = %d, want 22", sample.Stock)
	}
	if sample.Category != "Travel" {
		t.Fatalf("category = %q, want Travel", sample.Category)
	}
	if sample.ProductURL != "http://example.test/catalogue/book-1/index.html" {
		t.Fatalf("product url = %q", sample.ProductURL)
	}
	if sample.Description != "A travel book." {
		t.Fatalf("description = %q", sample.Description)
	}

	for _, item := range writer.All() {
		if item.UPC == "upc-0003" && item.Stock != 0 {
			t.Fatalf("out of stock book has stock %d, want 0", item.Stock)
		}
	}
}

func TestScraperCategoryFirstPageFailure(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	root := rootPage(map[string]string{
		"Travel": "catalogue/category/books/travel_2/index.html",
		"Poetry": "catalogue/category/books/poetry_23/index.html",
	})
	transport.RegisterResponder("GET", cfg.BaseURL, htmlResponder(root))
	transport.RegisterResponder("GET", strings.TrimSuffix(cfg.BaseURL, "/"), htmlResponder(root))

	transport.RegisterResponder("GET", "http://example.test/catalogue/category/books/travel_2/index.html",
		htmlResponder(categoryPage([]podSpec{
			{title: "Book 1", href: "../../../book-1/index.html", price: "£51.77", rating: "Three"},
		}, "")))
	transport.RegisterResponder("GET", "http://example.test/catalogue/book-1/index.html",
		htmlResponder(detailPage("upc-0001", "In stock (2 available)", "")))

	transport.RegisterResponder("GET", "http://example.test/catalogue/category/books/poetry_23/index.html",
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	s := newTestScraper(t, cfg, transport)
	summary, writer, err := runScraper(t, s, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := writer.Count(); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
	if summary.CategoriesSkipped != 1 {
		t.Fatalf("categories skipped = %d, want 1", summary.CategoriesSkipped)
	}
	if !summary.Degraded() {
		t.Fatalf("partial walk should report degraded")
	}
}

func TestScraperPaginationNotFound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2 // 4xx must not consume the retry budget

	transport := httpmock.NewMockTransport()
	root := rootPage(map[string]string{
		"Travel": "catalogue/category/books/travel_2/index.html",
	})
	transport.RegisterResponder("GET", cfg.BaseURL, htmlResponder(root))
	transport.RegisterResponder("GET", strings.TrimSuffix(cfg.BaseURL, "/"), htmlResponder(root))

	transport.RegisterResponder("GET", "http://example.test/catalogue/category/books/travel_2/index.html",
		htmlResponder(categoryPage([]podSpec{
			{title: "Book 1", href: "../../../book-1/index.html", price: "£51.77", rating: "Three"},
		}, "page-2.html")))
	transport.RegisterResponder("GET", "http://example.test/catalogue/category/books/travel_2/page-2.html",
		httpmock.NewStringResponder(http.StatusNotFound, "gone"))
	transport.RegisterResponder("GET", "http://example.test/catalogue/book-1/index.html",
		htmlResponder(detailPage("upc-0001", "In stock (2 available)", "")))

	s := newTestScraper(t, cfg, transport)
	summary, writer, err := runScraper(t, s, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := writer.Count(); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
	if summary.PagesFailed != 1 {
		t.Fatalf("pages failed = %d, want 1", summary.PagesFailed)
	}
	if summary.RetryCount != 0 {
		t.Fatalf("retries = %d, want 0 for a 404", summary.RetryCount)
	}
	if summary.ErrorsByType["not_found"] != 1 {
		t.Fatalf("not_found errors = %d, want 1", summary.ErrorsByType["not_found"])
	}
}

func TestScraperCategoryRetryExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = 20 * time.Millisecond
	cfg.RetryBackoffMax = 50 * time.Millisecond

	transport := httpmock.NewMockTransport()
	root := rootPage(map[string]string{
		"Travel": "catalogue/category/books/travel_2/index.html",
		"Poetry": "catalogue/category/books/poetry_23/index.html",
	})
	transport.RegisterResponder("GET", cfg.BaseURL, htmlResponder(root))
	transport.RegisterResponder("GET", strings.TrimSuffix(cfg.BaseURL, "/"), htmlResponder(root))

	transport.RegisterResponder("GET", "http://example.test/catalogue/category/books/travel_2/index.html",
		htmlResponder(categoryPage([]podSpec{
			{title: "Book 1", href: "../../../book-1/index.html", price: "£51.77", rating: "Three"},
		}, "")))
	transport.RegisterResponder("GET", "http://example.test/catalogue/book-1/index.html",
		htmlResponder(detailPage("upc-0001", "In stock (2 available)", "")))

	poetry := "http://example.test/catalogue/category/books/poetry_23/index.html"
	transport.RegisterResponder("GET", poetry,
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	s := newTestScraper(t, cfg, transport)
	summary, writer, err := runScraper(t, s, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := writer.Count(); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
	if got := transport.GetCallCountInfo()["GET "+poetry]; got != 3 {
		t.Fatalf("poetry fetches = %d, want the initial attempt plus 2 retries", got)
	}
	if summary.RetryCount != 2 {
		t.Fatalf("retries = %d, want 2", summary.RetryCount)
	}
	if summary.CategoriesSkipped != 1 {
		t.Fatalf("categories skipped = %d, want 1", summary.CategoriesSkipped)
	}
	if !summary.Degraded() {
		t.Fatalf("a lost category must mark the crawl degraded: %+v", summary)
	}
}

func TestScraperCancellationStopsNewVisits(t *testing.T) {
	cfg := testConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detailServed := make(chan struct{})

	transport := httpmock.NewMockTransport()
	root := rootPage(map[string]string{
		"Travel": "catalogue/category/books/travel_2/index.html",
	})
	transport.RegisterResponder("GET", cfg.BaseURL, htmlResponder(root))
	transport.RegisterResponder("GET", strings.TrimSuffix(cfg.BaseURL, "/"), htmlResponder(root))

	transport.RegisterResponder("GET", "http://example.test/catalogue/category/books/travel_2/index.html",
		htmlResponder(categoryPage([]podSpec{
			{title: "Book 1", href: "../../../book-1/index.html", price: "£51.77", rating: "Three"},
		}, "page-2.html")))

	transport.RegisterResponder("GET", "http://example.test/catalogue/book-1/index.html",
		func(req *http.Request) (*http.Response, error) {
			close(detailServed)
			resp := httpmock.NewStringResponse(http.StatusOK, detailPage("upc-0001", "In stock (2 available)", ""))
			resp.Header.Set("Content-Type", "text/html; charset=utf-8")
			resp.Request = req
			return resp, nil
		})

	// The second listing page waits for the detail fetch, then cancels
	// the run mid-response. Its content still parses, but the visits it
	// would trigger must be aborted before reaching the transport.
	page2 := "http://example.test/catalogue/category/books/travel_2/page-2.html"
	transport.RegisterResponder("GET", page2,
		func(req *http.Request) (*http.Response, error) {
			<-detailServed
			cancel()
			resp := httpmock.NewStringResponse(http.StatusOK, categoryPage([]podSpec{
				{title: "Book 2", href: "../../../book-2/index.html", price: "£10.00", rating: "One"},
			}, "page-3.html"))
			resp.Header.Set("Content-Type", "text/html; charset=utf-8")
			resp.Request = req
			return resp, nil
		})

	book2 := "http://example.test/catalogue/book-2/index.html"
	page3 := "http://example.test/catalogue/category/books/travel_2/page-3.html"
	transport.RegisterResponder("GET", book2, htmlResponder(detailPage("upc-0002", "In stock", "")))
	transport.RegisterResponder("GET", page3, htmlResponder(categoryPage(nil, "")))

	s := newTestScraper(t, cfg, transport)
	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start()

	if _, err := s.Run(ctx, p); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if got := writer.Count(); got != 1 {
		t.Fatalf("records = %d, want the record extracted before cancellation", got)
	}

	counts := transport.GetCallCountInfo()
	if counts["GET "+book2] != 0 || counts["GET "+page3] != 0 {
		t.Fatalf("visits issued after cancellation: %v", counts)
	}
}

func TestScraperRootUnreachable(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	responder := httpmock.NewStringResponder(http.StatusInternalServerError, "boom")
	transport.RegisterResponder("GET", cfg.BaseURL, responder)
	transport.RegisterResponder("GET", strings.TrimSuffix(cfg.BaseURL, "/"), responder)

	s := newTestScraper(t, cfg, transport)
	_, writer, err := runScraper(t, s, cfg)
	if err == nil {
		t.Fatalf("expected error when catalog root is unreachable")
	}
	if got := writer.Count(); got != 0 {
		t.Fatalf("records = %d, want 0", got)
	}
}

func TestScraperDetailMissingUPC(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	root := rootPage(map[string]string{
		"Travel": "catalogue/category/books/travel_2/index.html",
	})
	transport.RegisterResponder("GET", cfg.BaseURL, htmlResponder(root))
	transport.RegisterResponder("GET", strings.TrimSuffix(cfg.BaseURL, "/"), htmlResponder(root))

	transport.RegisterResponder("GET", "http://example.test/catalogue/category/books/travel_2/index.html",
		htmlResponder(categoryPage([]podSpec{
			{title: "Book 1", href: "../../../book-1/index.html", price: "£51.77", rating: "Three"},
		}, "")))
	transport.RegisterResponder("GET", "http://example.test/catalogue/book-1/index.html",
		htmlResponder(detailPage("", "In stock (2 available)", "")))

	s := newTestScraper(t, cfg, transport)
	summary, writer, err := runScraper(t, s, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := writer.Count(); got != 0 {
		t.Fatalf("records = %d, want 0", got)
	}
	if summary.ItemsSkipped["missing_upc"] != 1 {
		t.Fatalf("missing_upc skips = %d, want 1", summary.ItemsSkipped["missing_upc"])
	}
}

func TestRetryManagerScheduleRespectsLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	rm, err := newRetryManager(cfg, NewMetrics())
	if err != nil {
		t.Fatalf("new retry manager: %v", err)
	}

	target, _ := url.Parse("http://example.test/page")
	req := &colly.Request{URL: target, Ctx: colly.NewContext()}
	cause := errors.New("http status 500")

	if !rm.Schedule(req, cause) {
		t.Fatalf("first retry should be scheduled")
	}
	if !rm.Schedule(req, cause) {
		t.Fatalf("second retry should be scheduled")
	}
	if rm.Schedule(req, cause) {
		t.Fatalf("third retry should not be scheduled")
	}

	rm.Stop()
	if got := rm.TotalRetries(); got != 2 {
		t.Fatalf("total retries = %d, want 2", got)
	}
}

func TestRetryManagerStopAbandonsPending(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	rm, err := newRetryManager(cfg, NewMetrics())
	if err != nil {
		t.Fatalf("new retry manager: %v", err)
	}

	var mu sync.Mutex
	var abandoned []error
	rm.onAbandon = func(_ *colly.Request, cause error) {
		mu.Lock()
		abandoned = append(abandoned, cause)
		mu.Unlock()
	}

	target, _ := url.Parse("http://example.test/page")
	cause := errors.New("http status 500")
	if !rm.Schedule(&colly.Request{URL: target, Ctx: colly.NewContext()}, cause) {
		t.Fatalf("retry should be scheduled")
	}

	rm.Stop()
	rm.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(abandoned) != 1 {
		t.Fatalf("abandoned callbacks = %d, want exactly 1", len(abandoned))
	}
	if !errors.Is(abandoned[0], cause) {
		t.Fatalf("abandoned cause = %v, want the scheduled cause", abandoned[0])
	}
}

func TestRetryManagerBackoffCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	rm, err := newRetryManager(cfg, NewMetrics())
	if err != nil {
		t.Fatalf("new retry manager: %v", err)
	}

	if delay := rm.backoff(4); delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "gone", err: nil, statusCode: http.StatusGone, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestRetryableClassification(t *testing.T) {
	if retryable(ErrNotFound{Err: errors.New("404")}) {
		t.Fatalf("not_found must not be retryable")
	}
	if retryable(ErrForbidden{Err: errors.New("403")}) {
		t.Fatalf("forbidden must not be retryable")
	}
	if !retryable(ErrTimeout{Err: errors.New("deadline")}) {
		t.Fatalf("timeout should be retryable")
	}
	if !retryable(errors.New("http status 500")) {
		t.Fatalf("5xx should be retryable")
	}
}
