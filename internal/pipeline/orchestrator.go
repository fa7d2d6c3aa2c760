// Package pipeline holds the captured-image slot and drives the two-stage
// analyze -> recommend run over it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/skincare"
)

var (
	ErrRunInProgress = errors.New("analysis run already in progress")
	ErrNotReady      = errors.New("no image ready for analysis")
	// ErrSuperseded is returned by a run whose image was replaced or cleared
	// before it finished. Its late results are dropped.
	ErrSuperseded = errors.New("analysis run superseded by a new image")
)

// RunReport describes a finished run.
type RunReport struct {
	RunID           string
	Image           *skincare.CapturedImage
	Analysis        *skincare.AnalysisResult
	Recommendations *skincare.RecommendationSet
	Failure         skincare.ErrorKind
	Err             error
	StartedAt       time.Time
	FinishedAt      time.Time
}

// RunObserver is told about every run that reaches RecommendationsReady or Failed.
type RunObserver interface {
	RunFinished(ctx context.Context, report RunReport)
}

// Orchestrator owns the PipelineState. At most one run is in flight.
type Orchestrator struct {
	analyzer  skincare.Analyzer
	observers []RunObserver
	logger    *zap.Logger
	newRunID  func() string

	mu              sync.Mutex
	state           State
	image           *skincare.CapturedImage
	analysis        *skincare.AnalysisResult
	recommendations *skincare.RecommendationSet
	generation      uint64
	listeners       []func()

	// cancelRun and runDone belong to the run currently inside Run, which
	// may already be superseded.
	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// NewOrchestrator returns an orchestrator in Idle.
func NewOrchestrator(analyzer skincare.Analyzer, logger *zap.Logger, observers ...RunObserver) *Orchestrator {
	return &Orchestrator{
		analyzer:  analyzer,
		observers: observers,
		logger:    logger.Named("orchestrator"),
		newRunID:  uuid.NewString,
		state:     Idle{},
	}
}

// Attach follows store so every Set or Clear resets downstream results.
func (o *Orchestrator) Attach(store *Store) {
	store.OnChange(o.imageChanged)
}

// OnChange registers fn to run after every state transition. fn must not block.
func (o *Orchestrator) OnChange(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// State returns the current PipelineState.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Analysis returns the retained stage-1 result, if any.
func (o *Orchestrator) Analysis() (*skincare.AnalysisResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.analysis, o.analysis != nil
}

// Recommendations returns the stage-2 result, if any.
func (o *Orchestrator) Recommendations() (*skincare.RecommendationSet, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recommendations, o.recommendations != nil
}

func (o *Orchestrator) imageChanged(img *skincare.CapturedImage) {
	o.mu.Lock()
	if o.cancelRun != nil {
		o.cancelRun()
		o.cancelRun = nil
	}
	o.generation++
	o.image = img
	o.analysis = nil
	o.recommendations = nil
	if img == nil {
		o.state = Idle{}
	} else {
		o.state = ImageReady{}
	}
	o.mu.Unlock()
	o.changed()
}

// Run executes both stages for the held image. It is accepted whenever an
// image is held and no run is in progress, so a Failed or finished run can be
// retried; prior results are discarded on entry. A call while Analyzing or
// Analyzed returns ErrRunInProgress and issues no request. A run superseded
// by a new image is cancelled, and the next Run waits for it to unwind so at
// most one stage request is ever outstanding. Stage failures are returned
// after the state has moved to Failed.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	for {
		switch o.state.(type) {
		case Analyzing, Analyzed:
			o.mu.Unlock()
			return ErrRunInProgress
		}
		if o.image == nil {
			o.mu.Unlock()
			return ErrNotReady
		}
		draining := o.runDone
		if draining == nil {
			break
		}
		o.mu.Unlock()
		select {
		case <-draining:
		case <-ctx.Done():
			return ctx.Err()
		}
		o.mu.Lock()
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.cancelRun, o.runDone = cancel, done
	defer o.endRun(cancel, done)

	gen := o.generation
	img := o.image
	runID := o.newRunID()
	o.state = Analyzing{RunID: runID}
	o.analysis = nil
	o.recommendations = nil
	o.mu.Unlock()
	o.changed()

	ctx = skincare.WithRunID(ctx, runID)
	opLogger := logging.WithOperation(o.logger, "pipeline.run", runID)
	report := RunReport{RunID: runID, Image: img, StartedAt: time.Now().UTC()}
	opLogger.Info("analysis run started", zap.String("source", string(img.Source())), zap.Int("size", img.Size()))

	result, err := o.analyzer.Analyze(ctx, img)
	if err == nil && result == nil {
		err = errors.New("empty analysis response")
	}
	if err != nil {
		err = stageError(skincare.ErrAnalysis, err)
		if !o.commit(gen, Failed{RunID: runID, Kind: skincare.KindAnalysisError, Err: err}, nil, nil) {
			opLogger.Info("run superseded during analysis")
			return ErrSuperseded
		}
		opLogger.Error("analysis stage failed", logging.ErrorFields(err)...)
		report.Failure, report.Err = skincare.KindAnalysisError, err
		o.finish(ctx, report)
		return err
	}
	if !o.commit(gen, Analyzed{RunID: runID}, result, nil) {
		opLogger.Info("run superseded during analysis")
		return ErrSuperseded
	}
	report.Analysis = result
	opLogger.Info("analysis stage completed", zap.String("skin_type", string(result.SkinType)))

	recs, err := o.analyzer.Recommend(ctx, *result)
	if err == nil && recs == nil {
		err = errors.New("empty recommendation response")
	}
	if err != nil {
		err = stageError(skincare.ErrRecommendation, err)
		if !o.commit(gen, Failed{RunID: runID, Kind: skincare.KindRecommendationError, Err: err}, result, nil) {
			opLogger.Info("run superseded during recommendation")
			return ErrSuperseded
		}
		opLogger.Error("recommendation stage failed", logging.ErrorFields(err)...)
		report.Failure, report.Err = skincare.KindRecommendationError, err
		o.finish(ctx, report)
		return err
	}
	if !o.commit(gen, RecommendationsReady{RunID: runID}, result, recs) {
		opLogger.Info("run superseded during recommendation")
		return ErrSuperseded
	}
	report.Recommendations = recs
	opLogger.Info("analysis run completed", zap.Int("products", len(recs.Products)))
	o.finish(ctx, report)
	return nil
}

// commit applies a stage outcome unless the image changed since the run began.
func (o *Orchestrator) commit(gen uint64, next State, analysis *skincare.AnalysisResult, recs *skincare.RecommendationSet) bool {
	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return false
	}
	o.state = next
	o.analysis = analysis
	o.recommendations = recs
	o.mu.Unlock()
	o.changed()
	return true
}

// endRun releases the run's context and lets a waiting Run proceed.
func (o *Orchestrator) endRun(cancel context.CancelFunc, done chan struct{}) {
	cancel()
	o.mu.Lock()
	if o.runDone == done {
		o.runDone = nil
		o.cancelRun = nil
	}
	o.mu.Unlock()
	close(done)
}

func (o *Orchestrator) finish(ctx context.Context, report RunReport) {
	report.FinishedAt = time.Now().UTC()
	ctx = context.WithoutCancel(ctx)
	for _, obs := range o.observers {
		obs.RunFinished(ctx, report)
	}
}

func (o *Orchestrator) changed() {
	o.mu.Lock()
	listeners := o.listeners
	o.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

type view struct {
	state           State
	image           *skincare.CapturedImage
	analysis        *skincare.AnalysisResult
	recommendations *skincare.RecommendationSet
}

func (o *Orchestrator) view() view {
	o.mu.Lock()
	defer o.mu.Unlock()
	return view{
		state:           o.state,
		image:           o.image,
		analysis:        o.analysis,
		recommendations: o.recommendations,
	}
}

func stageError(kind, err error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
