// Package ingest drives sources through extraction, chunking and embedding.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/kioku/internal/extract"
	"github.com/hyperjump/kioku/internal/indexer"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/pkg/utils"
)

const titleLength = 80

var (
	errCancelled = errors.New("cancelled")
	errShutdown  = errors.New("cancelled: pipeline shut down")
)

// Rebuild modes.
const (
	RebuildExisting = "existing"
	RebuildAll      = "all"
)

// Pipeline runs ingestion attempts. Attempts for one source are serialized; attempts for
// different sources run in parallel on the worker pool.
type Pipeline struct {
	store    storage.Storage
	resolver *extract.Resolver
	indexer  *indexer.Indexer
	chunker  *indexer.Chunker
	logger   *zap.Logger

	workers   int
	queueSize int
	locks     *utils.KeyedMutex
	jobs      chan *job

	base     context.Context
	shutdown context.CancelCauseFunc
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	senders sync.WaitGroup // dispatches blocked on a full queue

	cancelMu sync.Mutex
	cancels  map[string]context.CancelCauseFunc
}

type job struct {
	ctx       context.Context
	commandID string
	sourceID  string
	embed     bool
	reextract bool
	release   func()
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a logger for stage transitions and failures.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithWorkers sets the number of background workers (default 4).
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueSize bounds the number of queued asynchronous attempts (default 256).
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// NewLimiter returns the embedding throttle for perSecond calls with the given burst,
// or nil (unlimited) when perSecond is not positive.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
}

// NewPipeline creates a pipeline and starts its workers. Call Close to stop them.
func NewPipeline(store storage.Storage, resolver *extract.Resolver, idx *indexer.Indexer, chunker *indexer.Chunker, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		resolver:  resolver,
		indexer:   idx,
		chunker:   chunker,
		workers:   4,
		queueSize: 256,
		locks:     utils.NewKeyedMutex(),
		done:      make(chan struct{}),
		cancels:   make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.base, p.shutdown = context.WithCancelCause(context.Background())
	p.jobs = make(chan *job, p.queueSize)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Close cancels running and queued attempts, records them as failed and stops the workers.
func (p *Pipeline) Close() error {
	p.shutdown(errShutdown)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.senders.Wait()
	p.wg.Wait()
	for {
		select {
		case j := <-p.jobs:
			p.run(j)
		default:
			return nil
		}
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			p.run(j)
		case <-p.done:
			return
		}
	}
}

// Submit creates a source with its first command and ingests it. With in.Async the attempt
// is queued and the result reports pending; otherwise it runs to a terminal stage first and a
// failed attempt is also returned as the error.
func (p *Pipeline) Submit(ctx context.Context, in *models.SourceInput) (*models.SubmitResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	src := &models.Source{
		ID:          uuid.New().String(),
		Title:       in.Title,
		Type:        in.Type,
		URL:         in.URL,
		FilePath:    in.FilePath,
		ExternalKey: in.ExternalKey,
		NotebookIDs: in.Notebooks,
	}
	if in.Type == models.SourceText {
		src.FullText = in.Content
	}
	cmd := &models.Command{ID: uuid.New().String()}
	if err := p.store.CreateSource(ctx, src, cmd); err != nil {
		return nil, err
	}
	if p.logger != nil {
		p.logger.Info("source created", zap.String("source_id", src.ID), zap.String("type", string(src.Type)))
	}
	j := &job{commandID: cmd.ID, sourceID: src.ID, embed: in.EmbedOrDefault(), reextract: true}
	return p.dispatch(ctx, j, in.Async)
}

// Reprocess starts a new attempt for a source whose last attempt finished. Links and uploads
// are extracted again; text sources reuse their stored text.
func (p *Pipeline) Reprocess(ctx context.Context, sourceID string, async bool) (*models.SubmitResult, error) {
	src, err := p.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return p.restart(ctx, src, src.Type != models.SourceText, async)
}

func (p *Pipeline) restart(ctx context.Context, src *models.Source, reextract, async bool) (*models.SubmitResult, error) {
	cmd := &models.Command{ID: uuid.New().String(), SourceID: src.ID}
	if err := p.store.StartCommand(ctx, cmd); err != nil {
		return nil, err
	}
	j := &job{commandID: cmd.ID, sourceID: src.ID, embed: true, reextract: reextract}
	return p.dispatch(ctx, j, async)
}

func (p *Pipeline) dispatch(ctx context.Context, j *job, async bool) (*models.SubmitResult, error) {
	var parent context.Context = p.base
	if !async {
		parent = ctx
	}
	attemptCtx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(p.base, func() { cancel(context.Cause(p.base)) })
	j.ctx = attemptCtx
	p.cancelMu.Lock()
	p.cancels[j.commandID] = cancel
	p.cancelMu.Unlock()
	j.release = func() {
		stop()
		p.cancelMu.Lock()
		delete(p.cancels, j.commandID)
		p.cancelMu.Unlock()
		cancel(nil)
	}

	result := &models.SubmitResult{SourceID: j.sourceID, CommandID: j.commandID, Status: models.StagePending}
	if !async {
		err := p.run(j)
		if src, getErr := p.store.GetSource(context.WithoutCancel(ctx), j.sourceID); getErr == nil {
			result.Status = src.Status
		}
		return result, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel(errShutdown)
		go p.run(j)
		return result, nil
	}
	p.senders.Add(1)
	p.mu.Unlock()
	defer p.senders.Done()

	// Close waits for senders before draining, so a job sent here is never stranded.
	select {
	case p.jobs <- j:
		if p.logger != nil {
			p.logger.Debug("attempt queued", zap.String("command_id", j.commandID), zap.String("source_id", j.sourceID))
		}
	case <-p.done:
		cancel(errShutdown)
		go p.run(j)
	case <-ctx.Done():
		cancel(ctx.Err())
		go p.run(j)
	}
	return result, nil
}

// run drives one attempt to a terminal stage. Any error, including cancellation, is
// recorded as a failed transition.
func (p *Pipeline) run(j *job) error {
	defer j.release()
	unlock := p.locks.Lock(j.sourceID)
	defer unlock()

	n, err := p.attempt(j)
	if err != nil {
		p.fail(j, err)
		return err
	}
	if p.logger != nil {
		p.logger.Info("source ingested", zap.String("source_id", j.sourceID), zap.String("command_id", j.commandID), zap.Int("chunks", n))
	}
	return nil
}

func (p *Pipeline) attempt(j *job) (int, error) {
	ctx := j.ctx
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	src, err := p.store.GetSource(ctx, j.sourceID)
	if err != nil {
		return 0, err
	}
	if err := p.transition(ctx, j, models.StageExtracting, nil, nil); err != nil {
		return 0, err
	}
	if j.reextract || strings.TrimSpace(src.FullText) == "" {
		page, err := p.resolver.Resolve(ctx, src)
		if err != nil {
			return 0, err
		}
		src.FullText = indexer.Preprocess(page.Text)
		if src.Title == "" {
			src.Title = page.Title
		}
		if src.Title == "" {
			src.Title = utils.TitleFrom(src.FullText, titleLength)
		}
		if err := p.store.UpdateSourceContent(ctx, src.ID, src.Title, src.FullText); err != nil {
			return 0, err
		}
	}

	zero := 0
	if !j.embed {
		if err := p.indexer.Reset(ctx, src.ID); err != nil {
			return 0, err
		}
		if err := p.indexer.IndexSource(ctx, src); err != nil {
			return 0, err
		}
		return 0, p.transition(ctx, j, models.StageCompleted, map[string]any{"chunks": 0, "embedded": false}, &zero)
	}

	if err := p.transition(ctx, j, models.StageChunking, nil, &zero); err != nil {
		return 0, err
	}
	if err := p.indexer.Reset(ctx, src.ID); err != nil {
		return 0, err
	}
	total := p.chunker.Count(src.FullText)
	if err := p.transition(ctx, j, models.StageEmbedding, map[string]any{"chunks": total}, nil); err != nil {
		return 0, err
	}
	n, err := p.indexer.EmbedAndStore(ctx, src, p.chunker.Chunks(src.FullText))
	if err != nil {
		return n, err
	}
	return n, p.transition(ctx, j, models.StageCompleted, map[string]any{"chunks": n, "embedded": n > 0}, &n)
}

func (p *Pipeline) transition(ctx context.Context, j *job, stage models.Stage, info map[string]any, chunks *int) error {
	if p.logger != nil {
		p.logger.Debug("transition", zap.String("command_id", j.commandID), zap.String("stage", string(stage)))
	}
	return p.store.ApplyTransition(ctx, models.Transition{
		CommandID:      j.commandID,
		SourceID:       j.sourceID,
		Stage:          stage,
		ProcessingInfo: info,
		EmbeddedChunks: chunks,
	})
}

// fail records the attempt as failed on a fresh context so that cancellation cannot
// prevent the write.
func (p *Pipeline) fail(j *job, err error) {
	msg := err.Error()
	if cause := context.Cause(j.ctx); cause != nil && errors.Is(err, context.Canceled) {
		msg = cause.Error()
	}
	zero := 0
	werr := p.store.ApplyTransition(context.Background(), models.Transition{
		CommandID:      j.commandID,
		SourceID:       j.sourceID,
		Stage:          models.StageFailed,
		Error:          msg,
		ProcessingInfo: map[string]any{"error": msg},
		EmbeddedChunks: &zero,
	})
	if p.logger != nil {
		p.logger.Warn("ingestion failed", zap.String("source_id", j.sourceID), zap.String("command_id", j.commandID), zap.String("error", msg))
		if werr != nil {
			p.logger.Error("failed to record failure", zap.String("command_id", j.commandID), zap.Error(werr))
		}
	}
}

// Cancel stops a queued or running attempt; it lands in failed with message "cancelled".
func (p *Pipeline) Cancel(ctx context.Context, commandID string) error {
	p.cancelMu.Lock()
	cancel, ok := p.cancels[commandID]
	p.cancelMu.Unlock()
	if ok {
		cancel(errCancelled)
		return nil
	}
	cmd, err := p.store.GetCommand(ctx, commandID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: command %s is %s", models.ErrInvalidState, commandID, cmd.Stage)
}

// Status reports the source's current stage without waiting on a running attempt.
func (p *Pipeline) Status(ctx context.Context, sourceID string) (*models.StatusReport, error) {
	src, err := p.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	report := &models.StatusReport{
		Status:         src.Status,
		ProcessingInfo: src.ProcessingInfo,
		CommandID:      src.CommandID,
	}
	switch src.Status {
	case models.StagePending:
		report.Message = "Queued for processing"
	case models.StageExtracting:
		report.Message = "Extracting content"
	case models.StageChunking:
		report.Message = "Splitting text into chunks"
	case models.StageEmbedding:
		report.Message = "Embedding chunks"
	case models.StageCompleted:
		report.Message = fmt.Sprintf("Completed with %d embedded chunks", src.EmbeddedChunks)
	case models.StageFailed:
		report.Message = "Processing failed"
		if src.CommandID != "" {
			if cmd, err := p.store.GetCommand(ctx, src.CommandID); err == nil && cmd.Error != "" {
				report.Message = cmd.Error
			}
		}
	}
	return report, nil
}

// Delete removes a source, cancelling its current attempt first.
func (p *Pipeline) Delete(ctx context.Context, sourceID string) error {
	src, err := p.store.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}
	p.cancelMu.Lock()
	cancel, ok := p.cancels[src.CommandID]
	p.cancelMu.Unlock()
	if ok {
		cancel(errCancelled)
	}
	unlock := p.locks.Lock(sourceID)
	defer unlock()
	if err := p.store.DeleteSource(ctx, sourceID); err != nil {
		return err
	}
	if err := p.indexer.RemoveSource(ctx, sourceID); err != nil && p.logger != nil {
		p.logger.Warn("failed to remove source from keyword index", zap.String("source_id", sourceID), zap.Error(err))
	}
	return nil
}

// Rebuild re-embeds sources synchronously from their stored text. Mode "existing" covers
// sources that currently have embedded chunks; "all" covers every source with text.
// Sources with an attempt in flight are counted as failed.
func (p *Pipeline) Rebuild(ctx context.Context, mode string) (*models.RebuildResult, error) {
	if mode == "" {
		mode = RebuildExisting
	}
	if mode != RebuildExisting && mode != RebuildAll {
		return nil, fmt.Errorf("%w: unknown rebuild mode %q", models.ErrInvalidInput, mode)
	}
	sources, err := p.store.ListSources(ctx, "")
	if err != nil {
		return nil, err
	}
	result := &models.RebuildResult{Mode: mode}
	for _, src := range sources {
		if mode == RebuildExisting && src.EmbeddedChunks == 0 {
			continue
		}
		if strings.TrimSpace(src.FullText) == "" {
			continue
		}
		result.Total++
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := p.restart(ctx, src, false, false); err != nil {
			result.Failed++
			continue
		}
		result.Processed++
	}
	if p.logger != nil {
		p.logger.Info("rebuild finished", zap.String("mode", mode), zap.Int("total", result.Total),
			zap.Int("processed", result.Processed), zap.Int("failed", result.Failed))
	}
	return result, nil
}
