// Package parser normalizes raw catalog fields into typed values.
package parser

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-catalog-etl/models"
)

// currencySymbols maps the symbols the catalog uses to ISO-style codes.
var currencySymbols = map[string]string{
	"£": "GBP",
}

// DefaultCurrency is assumed when a price carries no known symbol.
const DefaultCurrency = "GBP"

var (
	amountPattern = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)?`)
	digitsPattern = regexp.MustCompile(`[0-9]+`)
)

// ratingWords is the site's qualitative rating vocabulary.
var ratingWords = map[string]int{
	"Zero":  0,
	"One":   1,
	"Two":   2,
	"Three": 3,
	"Four":  4,
	"Five":  5,
}

// ParsePrice extracts a two-decimal amount and currency code from a raw
// price string such as "£51.77". The pound sign arrives mis-encoded as
// "Â£" when the page charset is mishandled upstream, so both spellings
// are stripped.
func ParsePrice(raw string) (float64, string, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.ReplaceAll(cleaned, "Â", "")

	currency := DefaultCurrency
	for symbol, code := range currencySymbols {
		if strings.Contains(cleaned, symbol) {
			currency = code
			cleaned = strings.ReplaceAll(cleaned, symbol, "")
			break
		}
	}

	match := amountPattern.FindString(cleaned)
	if match == "" {
		return 0, "", ErrBadPrice{Value: raw}
	}
	amount, err := strconv.ParseFloat(match, 64)
	if err != nil || amount < 0 {
		return 0, "", ErrBadPrice{Value: raw}
	}
	return math.Round(amount*100) / 100, currency, nil
}

// RatingFromClass maps a star-rating class attribute such as
// "star-rating Three" to 0-5. Unknown markers yield 0; ratings are
// best-effort, never an error.
func RatingFromClass(class string) int {
	for _, field := range strings.Fields(class) {
		if value, ok := ratingWords[field]; ok {
			return value
		}
	}
	return 0
}

// StockFromAvailability pulls the unit count out of an availability
// phrase like "In stock (22 available)". No digits means stock 0, even
// when the phrase claims availability.
func StockFromAvailability(text string) int {
	match := digitsPattern.FindString(text)
	if match == "" {
		return 0
	}
	value, err := strconv.Atoi(match)
	if err != nil {
		return 0
	}
	return value
}

// Validate ensures a record satisfies the dataset invariants before it
// reaches the writer.
func Validate(item *models.CatalogItem) error {
	if item == nil {
		return ErrMalformed{Reason: "nil item"}
	}
	if strings.TrimSpace(item.Title) == "" {
		return ErrMalformed{Reason: "missing title"}
	}
	if strings.TrimSpace(item.ProductURL) == "" {
		return ErrMalformed{Reason: fmt.Sprintf("missing product URL for %s", item.Title)}
	}
	if strings.TrimSpace(item.Category) == "" {
		return ErrMalformed{Reason: fmt.Sprintf("missing category for %s", item.Title)}
	}
	if strings.TrimSpace(item.UPC) == "" {
		return ErrMissingUPC{URL: item.ProductURL}
	}
	if item.Price < 0 {
		return ErrBadPrice{Value: strconv.FormatFloat(item.Price, 'f', 2, 64)}
	}
	if item.Rating < 0 || item.Rating > 5 {
		return ErrMalformed{Reason: fmt.Sprintf("rating %d out of range for %s", item.Rating, item.Title)}
	}
	if item.Stock < 0 {
		return ErrMalformed{Reason: fmt.Sprintf("negative stock for %s", item.Title)}
	}
	return nil
}

// FormatPrice renders a price for the artifact: two decimals, no symbol.
func FormatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', 2, 64)
}
