// Package pipeline batches finished track analyses and writes them out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/qc-copilot/config"
	"github.com/aluiziolira/qc-copilot/models"
	"github.com/aluiziolira/qc-copilot/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when workers do not drain in time.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

var drainTimeout = 10 * time.Second

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(analyses []*models.TrackAnalysis) error
	Close() error
	Validate() error
}

// Pipeline coordinates validation, de-duplication, and output writing.
type Pipeline struct {
	ctx        context.Context
	writer     OutputWriter
	analysisCh chan *models.TrackAnalysis
	batchSize  int

	wg sync.WaitGroup

	// seen remembers recently written release/track pairs.
	seen *lru.Cache[string, struct{}]

	metrics metrics

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline sized from cfg.
func NewPipeline(ctx context.Context, writer OutputWriter, cfg *config.Config) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	buffer := cfg.PipelineBufferSize
	if buffer <= 0 {
		buffer = 256
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}
	dedupe := cfg.DedupeMaxSize
	if dedupe <= 0 {
		dedupe = 10000
	}
	// lru.New only fails for a non-positive size.
	seen, _ := lru.New[string, struct{}](dedupe)

	return &Pipeline{
		ctx:        ctx,
		writer:     writer,
		analysisCh: make(chan *models.TrackAnalysis, buffer),
		batchSize:  batch,
		seen:       seen,
		metrics:    newMetrics(),
		shutdown:   make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues analyses for downstream processing.
func (p *Pipeline) Process(analyses ...*models.TrackAnalysis) error {
	if len(analyses) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, a := range analyses {
		if a == nil {
			continue
		}
		if err := p.enqueue(a); err != nil {
			return err
		}
	}
	return nil
}

// Close stops submissions and waits up to the drain timeout for workers.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.analysisCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrPipelineCloseTimeout, drainTimeout)
	}
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m := p.GetMetrics()
				slog.Info("pipeline progress",
					slog.Int64("processed", m["processed_analyses"].(int64)),
					slog.Int64("matches", m["written_matches"].(int64)),
					slog.Int("validation_kinds", len(m["validation_errors"].(map[string]int))),
				)
			case <-p.shutdown:
				return
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]*models.TrackAnalysis, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for a := range p.analysisCh {
		prepared := p.prepare(a)
		if prepared == nil {
			continue
		}
		batch = append(batch, prepared)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (p *Pipeline) prepare(a *models.TrackAnalysis) *models.TrackAnalysis {
	if err := parser.ValidateAnalysis(a); err != nil {
		slog.Debug("dropping invalid analysis", slog.Int("track", a.TrackIndex), slog.Any("error", err))
		p.metrics.addValidation("invalid_record")
		return nil
	}

	// ContainsOrAdd is atomic, so concurrent workers cannot both admit a key.
	if found, _ := p.seen.ContainsOrAdd(dedupeKey(a), struct{}{}); found {
		p.metrics.addValidation("duplicate_track")
		return nil
	}

	a.TrackTitle = parser.NormalizeText(a.TrackTitle)
	a.TrackArtist = parser.NormalizeText(a.TrackArtist)
	a.TrackAlbum = parser.NormalizeText(a.TrackAlbum)
	if a.Results == nil {
		a.Results = []models.AudioMatchResult{}
	}

	p.metrics.incrementProcessed(len(a.Results))
	return a
}

func dedupeKey(a *models.TrackAnalysis) string {
	return a.ReleaseID + "#" + strconv.Itoa(a.TrackIndex)
}

func (p *Pipeline) enqueue(a *models.TrackAnalysis) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.analysisCh <- a:
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
		close(p.analysisCh)
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
	matches    int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed(matches int) {
	m.mu.Lock()
	m.processed++
	m.matches += int64(matches)
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_analyses": m.processed,
		"written_matches":    m.matches,
		"validation_errors":  copyValidation,
	}
}
