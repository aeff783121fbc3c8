// Package store loads the dataset artifact into the queryable SQLite
// catalog consumed by downstream services.
package store

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-catalog-etl/models"
	_ "modernc.org/sqlite"
)

const createTableSQL = `
CREATE TABLE books (
    id INTEGER PRIMARY KEY,
    title TEXT NOT NULL,
    price REAL NOT NULL,
    currency TEXT NOT NULL,
    rating INTEGER NOT NULL,
    availability TEXT NOT NULL,
    category TEXT NOT NULL,
    product_page_url TEXT NOT NULL UNIQUE,
    image_url TEXT NOT NULL,
    description TEXT NOT NULL,
    upc TEXT NOT NULL UNIQUE,
    stock INTEGER NOT NULL
);`

var createIndexSQL = []string{
	"CREATE INDEX idx_books_category ON books(category);",
	"CREATE INDEX idx_books_rating ON books(rating);",
	"CREATE INDEX idx_books_title ON books(title);",
}

const insertSQL = `
INSERT INTO books (
    id, title, price, currency, rating, availability, category,
    product_page_url, image_url, description, upc, stock
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

// LoadReport summarizes one load run.
type LoadReport struct {
	RowsLoaded   int
	RowsExcluded int
	Reasons      map[string]int
	StorePath    string
}

// Load reads the artifact, validates and dedups its rows, and replaces
// the store contents in a single transaction. Either all valid rows
// land or none do; rerunning against the same artifact yields an
// identical store.
func Load(ctx context.Context, artifactPath, storePath string, overwrite bool) (*LoadReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, report, err := readArtifact(artifactPath)
	if err != nil {
		return nil, err
	}
	report.StorePath = storePath

	if len(rows) == 0 {
		return nil, ErrNoValidRows{Path: artifactPath}
	}

	if !overwrite {
		if _, err := os.Stat(storePath); err == nil {
			return nil, ErrStoreExists{Path: storePath}
		}
	}

	if dir := filepath.Dir(storePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := Open(storePath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := replaceAll(ctx, db, rows); err != nil {
		return nil, err
	}

	report.RowsLoaded = len(rows)
	slog.Info("store loaded",
		slog.String("store", storePath),
		slog.Int("rows", report.RowsLoaded),
		slog.Int("excluded", report.RowsExcluded),
	)
	return report, nil
}

// Open returns a database handle for the store file. Consumers of the
// catalog read through this; the loader is the sole writer.
func Open(storePath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", storePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite allows one writer; serialize access at the pool level.
	db.SetMaxOpenConns(1)
	return db, nil
}

func replaceAll(ctx context.Context, db *sql.DB, rows []*models.CatalogItem) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS books;"); err != nil {
		return fmt.Errorf("drop table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	for _, stmt := range createIndexSQL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	insert, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	for _, row := range rows {
		if _, err := insert.ExecContext(ctx,
			row.ID, row.Title, row.Price, row.Currency, row.Rating,
			row.Availability, row.Category, row.ProductURL, row.ImageURL,
			row.Description, row.UPC, row.Stock,
		); err != nil {
			return fmt.Errorf("insert row %d: %w", row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// readArtifact parses and validates the artifact. Rows failing
// validation are excluded and counted; duplicate keys resolve
// last-write-wins, mirroring the writer's semantics for artifacts
// produced elsewhere.
func readArtifact(path string) ([]*models.CatalogItem, *LoadReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, ErrArtifactUnreadable{Path: path, Err: err}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, nil, ErrArtifactUnreadable{Path: path, Err: fmt.Errorf("read header: %w", err)}
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	for _, required := range models.Columns {
		if _, ok := index[required]; !ok {
			return nil, nil, ErrArtifactUnreadable{Path: path, Err: fmt.Errorf("missing column %q", required)}
		}
	}

	report := &LoadReport{Reasons: make(map[string]int)}
	var rows []*models.CatalogItem
	byUPC := make(map[string]int)
	byURL := make(map[string]int)

	exclude := func(reason string) {
		report.RowsExcluded++
		report.Reasons[reason]++
	}

	// A replacement releases both of the old row's keys and claims both
	// of the new row's, so a later row reusing a released key appends
	// instead of evicting the replacement.
	replaceRow := func(idx int, row *models.CatalogItem) {
		old := rows[idx]
		delete(byUPC, old.UPC)
		delete(byURL, old.ProductURL)
		rows[idx] = row
		byUPC[row.UPC] = idx
		byURL[row.ProductURL] = idx
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			exclude("malformed")
			continue
		}

		row, reason := parseRow(index, record)
		if reason != "" {
			exclude(reason)
			continue
		}

		if idx, ok := byUPC[row.UPC]; ok {
			replaceRow(idx, row)
			exclude("duplicate_key")
			continue
		}
		if idx, ok := byURL[row.ProductURL]; ok {
			replaceRow(idx, row)
			exclude("duplicate_key")
			continue
		}
		rows = append(rows, row)
		byUPC[row.UPC] = len(rows) - 1
		byURL[row.ProductURL] = len(rows) - 1
	}

	return rows, report, nil
}

func parseRow(index map[string]int, record []string) (*models.CatalogItem, string) {
	field := func(name string) string {
		i := index[name]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	id, err := strconv.Atoi(field("id"))
	if err != nil || id <= 0 {
		return nil, "bad_id"
	}
	title := field("title")
	if title == "" {
		return nil, "missing_title"
	}
	price, err := strconv.ParseFloat(field("price"), 64)
	if err != nil || price < 0 {
		return nil, "bad_price"
	}
	currency := field("currency")
	if currency == "" {
		currency = "GBP"
	}
	rating, err := strconv.Atoi(field("rating"))
	if err != nil || rating < 0 || rating > 5 {
		return nil, "bad_rating"
	}
	category := field("category")
	if category == "" {
		return nil, "missing_category"
	}
	productURL := field("product_page_url")
	if productURL == "" {
		return nil, "missing_product_url"
	}
	upc := field("upc")
	if upc == "" {
		return nil, "missing_upc"
	}
	stock := 0
	if raw := field("stock"); raw != "" {
		stock, err = strconv.Atoi(raw)
		if err != nil || stock < 0 {
			return nil, "bad_stock"
		}
	}

	return &models.CatalogItem{
		ID:           id,
		Title:        title,
		Price:        price,
		Currency:     currency,
		Rating:       rating,
		Availability: field("availability"),
		Category:     category,
		ProductURL:   productURL,
		ImageURL:     field("image_url"),
		Description:  field("description"),
		UPC:          upc,
		Stock:        stock,
	}, ""
}
