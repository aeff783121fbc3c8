package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/aluiziolira/go-catalog-etl/models"
	"github.com/aluiziolira/go-catalog-etl/parser"
)

// Dataset accumulates records in discovery order, resolves duplicate
// keys last-write-wins, and publishes the artifact atomically: rows are
// encoded to a temp file and renamed into place, so a crashed run never
// leaves a half-written artifact for the loader to read.
type Dataset struct {
	mu      sync.Mutex
	records []*models.CatalogItem
	byUPC   map[string]int
	byURL   map[string]int

	path       string
	format     string
	overwrites int
	published  bool
}

// NewDataset prepares a dataset writing to path in the given format
// (csv, jsonl, or dual). The parent directory is created if missing.
func NewDataset(path, format string) (*Dataset, error) {
	switch format {
	case "csv", "jsonl", "dual":
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	return &Dataset{
		byUPC:  make(map[string]int),
		byURL:  make(map[string]int),
		path:   path,
		format: format,
	}, nil
}

// Add appends a record, or overwrites an earlier record sharing its UPC
// or product URL. The overwritten record keeps its position so row order
// stays the discovery order of first sight.
func (d *Dataset) Add(item *models.CatalogItem) error {
	if item == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.published {
		return fmt.Errorf("dataset already published to %s", d.path)
	}

	if idx, ok := d.byUPC[item.UPC]; ok {
		d.replaceLocked(idx, item)
		return nil
	}
	if idx, ok := d.byURL[item.ProductURL]; ok {
		d.replaceLocked(idx, item)
		return nil
	}

	d.records = append(d.records, item)
	idx := len(d.records) - 1
	d.byUPC[item.UPC] = idx
	d.byURL[item.ProductURL] = idx
	return nil
}

func (d *Dataset) replaceLocked(idx int, item *models.CatalogItem) {
	old := d.records[idx]
	delete(d.byUPC, old.UPC)
	delete(d.byURL, old.ProductURL)
	d.records[idx] = item
	d.byUPC[item.UPC] = idx
	d.byURL[item.ProductURL] = idx
	d.overwrites++
}

// Count returns the number of rows the artifact will contain.
func (d *Dataset) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Overwrites returns how many duplicate-key records were resolved.
func (d *Dataset) Overwrites() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overwrites
}

// Path returns the primary artifact path.
func (d *Dataset) Path() string {
	return d.path
}

// Flush assigns sequential ids and publishes the artifact. It may be
// called once; an empty dataset publishes a header-only artifact.
func (d *Dataset) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.published {
		return fmt.Errorf("dataset already published to %s", d.path)
	}

	for i, record := range d.records {
		record.ID = i + 1
	}

	if d.format == "csv" || d.format == "dual" {
		if err := publish(d.path, d.encodeCSV); err != nil {
			return err
		}
	}
	if d.format == "jsonl" || d.format == "dual" {
		jsonPath := d.path
		if d.format == "dual" {
			jsonPath = strings.TrimSuffix(d.path, filepath.Ext(d.path)) + ".jsonl"
		}
		if err := publish(jsonPath, d.encodeJSONL); err != nil {
			return err
		}
	}

	d.published = true
	return nil
}

// Validate ensures the published artifact exists and has content.
func (d *Dataset) Validate() error {
	info, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("artifact %s is empty", d.path)
	}
	return nil
}

func (d *Dataset) encodeCSV(f *os.File) error {
	writer := csv.NewWriter(f)
	if err := writer.Write(models.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, item := range d.records {
		row := []string{
			strconv.Itoa(item.ID),
			item.Title,
			parser.FormatPrice(item.Price),
			item.Currency,
			strconv.Itoa(item.Rating),
			item.Availability,
			item.Category,
			item.ProductURL,
			item.ImageURL,
			item.Description,
			item.UPC,
			strconv.Itoa(item.Stock),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func (d *Dataset) encodeJSONL(f *os.File) error {
	buffer := bufio.NewWriter(f)
	encoder := json.NewEncoder(buffer)
	for _, item := range d.records {
		if err := encoder.Encode(item); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	return buffer.Flush()
}

// publish writes through a temp file in the target directory and
// renames it into place.
func publish(path string, encode func(*os.File) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()

	if err := encode(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
