package pipeline

import "github.com/example/skin-check/internal/skincare"

// State is the orchestrator's position in capture -> analyze -> recommend.
// The concrete variants below are the only implementations.
type State interface {
	Name() string
	isState()
}

type Idle struct{}

type ImageReady struct{}

type Analyzing struct{ RunID string }

type Analyzed struct{ RunID string }

type RecommendationsReady struct{ RunID string }

// Failed is terminal for a run. Kind is AnalysisError or RecommendationError.
type Failed struct {
	RunID string
	Kind  skincare.ErrorKind
	Err   error
}

func (Idle) Name() string                 { return "Idle" }
func (ImageReady) Name() string           { return "ImageReady" }
func (Analyzing) Name() string            { return "Analyzing" }
func (Analyzed) Name() string             { return "Analyzed" }
func (RecommendationsReady) Name() string { return "RecommendationsReady" }
func (Failed) Name() string               { return "Failed" }

func (Idle) isState()                 {}
func (ImageReady) isState()           {}
func (Analyzing) isState()            {}
func (Analyzed) isState()             {}
func (RecommendationsReady) isState() {}
func (Failed) isState()               {}

// VisualMode is what the capture area shows.
type VisualMode string

const (
	VisualNoImage   VisualMode = "none"
	VisualStreaming VisualMode = "streaming"
	VisualCaptured  VisualMode = "captured"
)
