// Package models defines data structures shared across the pipeline.
package models

// Columns is the artifact header. Order is part of the contract between
// the crawler and the loader and must not change.
var Columns = []string{
	"id",
	"title",
	"price",
	"currency",
	"rating",
	"availability",
	"category",
	"product_page_url",
	"image_url",
	"description",
	"upc",
	"stock",
}

// CatalogItem is one fully normalized catalog record.
type CatalogItem struct {
	ID           int     `csv:"id" json:"id"`
	Title        string  `csv:"title" json:"title"`
	Price        float64 `csv:"price" json:"price"`
	Currency     string  `csv:"currency" json:"currency"`
	Rating       int     `csv:"rating" json:"rating"`
	Availability string  `csv:"availability" json:"availability"`
	Category     string  `csv:"category" json:"category"`
	ProductURL   string  `csv:"product_page_url" json:"product_page_url"`
	ImageURL     string  `csv:"image_url" json:"image_url"`
	Description  string  `csv:"description" json:"description"`
	UPC          string  `csv:"upc" json:"upc"`
	Stock        int     `csv:"stock" json:"stock"`
}

// CrawlSummary holds the overall result of one crawl run.
type CrawlSummary struct {
	RecordsWritten    int
	CategoriesFound   int
	CategoriesSkipped int
	PagesFailed       int
	ItemsSkipped      map[string]int
	ErrorsByType      map[string]int
	RetryCount        int
	RequestCount      int
	PageCount         int
}

// Degraded reports whether the crawl covered less than the full catalog.
func (s *CrawlSummary) Degraded() bool {
	if s.CategoriesSkipped > 0 || s.PagesFailed > 0 {
		return true
	}
	for _, n := range s.ItemsSkipped {
		if n > 0 {
			return true
		}
	}
	return false
}
