// Package pipeline funnels extracted records into the dataset artifact.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-catalog-etl/config"
	"github.com/aluiziolira/go-catalog-etl/models"
	"github.com/aluiziolira/go-catalog-etl/parser"
)

// ErrPipelineClosed is returned when Process is called after shutdown.
var ErrPipelineClosed = errors.New("pipeline: closed")

// DatasetWriter accepts records in discovery order.
type DatasetWriter interface {
	Add(item *models.CatalogItem) error
}

// Pipeline is the single serialization point between the concurrent
// fetch workers and the dataset. Exactly one consumer goroutine owns
// the writer, so duplicate resolution stays deterministic without a
// lock around the dataset itself.
type Pipeline struct {
	ctx    context.Context
	writer DatasetWriter
	itemCh chan *models.CatalogItem

	wg sync.WaitGroup

	metrics metrics

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline with a buffered in-memory channel.
func NewPipeline(ctx context.Context, writer DatasetWriter, cfg *config.Config) *Pipeline {
	if ctx == nil {
		ctx = context.Background()
	}
	buffer := 512
	if cfg != nil && cfg.PipelineBuffer > 0 {
		buffer = cfg.PipelineBuffer
	}
	return &Pipeline{
		ctx:      ctx,
		writer:   writer,
		itemCh:   make(chan *models.CatalogItem, buffer),
		metrics:  newMetrics(),
		shutdown: make(chan struct{}),
	}
}

// Start launches the consumer goroutine.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.consume()
}

// Process enqueues records for the consumer. Records already in the
// channel are flushed even after cancellation, so an interrupted run
// still produces a valid partial artifact.
func (p *Pipeline) Process(items ...*models.CatalogItem) error {
	if len(items) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, item := range items {
		if item == nil {
			continue
		}
		if err := p.enqueue(item); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the channel and stops the consumer.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
	}
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.itemCh)
	})

	p.wg.Wait()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Accepted returns how many records passed validation and reached the
// dataset.
func (p *Pipeline) Accepted() int64 {
	return p.metrics.processedCount()
}

// Rejected returns per-reason counts for records dropped at validation.
func (p *Pipeline) Rejected() map[string]int {
	return p.metrics.validationSnapshot()
}

// StartProgressReporting emits periodic progress logs until shutdown.
func (p *Pipeline) StartProgressReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				slog.Info("pipeline progress",
					slog.Int64("accepted", p.Accepted()),
					slog.Int("rejected_kinds", len(p.Rejected())),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) consume() {
	defer p.wg.Done()

	for item := range p.itemCh {
		if err := parser.Validate(item); err != nil {
			p.metrics.addValidation(parser.Reason(err))
			continue
		}
		if err := p.writer.Add(item); err != nil {
			p.setErr(fmt.Errorf("dataset add: %w", err))
			return
		}
		p.metrics.incrementProcessed()
	}
}

func (p *Pipeline) enqueue(item *models.CatalogItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.itemCh <- item:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.itemCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) processedCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed
}

func (m *metrics) validationSnapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		out[k] = v
	}
	return out
}
