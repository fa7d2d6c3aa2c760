package pipeline

import "github.com/example/skin-check/internal/skincare"

// Snapshot is the consumer-facing view. Each result appears only once the
// stage producing it has completed.
type Snapshot struct {
	State           string                      `json:"state"`
	RunID           string                      `json:"run_id,omitempty"`
	Analyzing       bool                        `json:"analyzing"`
	Failure         *FailureView                `json:"failure,omitempty"`
	VisualMode      VisualMode                  `json:"visual_mode"`
	Image           *ImageView                  `json:"image,omitempty"`
	Analysis        *skincare.AnalysisResult    `json:"analysis,omitempty"`
	Recommendations *skincare.RecommendationSet `json:"recommendations,omitempty"`
	CaptureError    *FailureView                `json:"capture_error,omitempty"`
}

// FailureView is an error kind plus its message.
type FailureView struct {
	Kind    skincare.ErrorKind `json:"kind"`
	Message string             `json:"message"`
}

// ImageView describes the held image without its bytes.
type ImageView struct {
	MimeType string          `json:"mime_type"`
	Source   skincare.Source `json:"source"`
	Size     int             `json:"size"`
	SHA1     string          `json:"sha1"`
}

// Snapshot reads the current session state.
func (s *Session) Snapshot() Snapshot {
	v := s.orch.view()
	snap := Snapshot{
		State:           v.state.Name(),
		Analysis:        v.analysis,
		Recommendations: v.recommendations,
	}

	switch st := v.state.(type) {
	case Analyzing:
		snap.RunID = st.RunID
		snap.Analyzing = true
	case Analyzed:
		snap.RunID = st.RunID
	case RecommendationsReady:
		snap.RunID = st.RunID
	case Failed:
		snap.RunID = st.RunID
		snap.Failure = failureView(st.Kind, st.Err)
	}

	switch {
	case v.image != nil:
		snap.VisualMode = VisualCaptured
		snap.Image = &ImageView{
			MimeType: v.image.MimeType(),
			Source:   v.image.Source(),
			Size:     v.image.Size(),
			SHA1:     v.image.SHA1(),
		}
	case s.camera.Streaming():
		snap.VisualMode = VisualStreaming
	default:
		snap.VisualMode = VisualNoImage
	}

	s.mu.Lock()
	if s.captureErr != nil {
		snap.CaptureError = failureView(skincare.KindOf(s.captureErr), s.captureErr)
	}
	s.mu.Unlock()

	return snap
}

func failureView(kind skincare.ErrorKind, err error) *FailureView {
	fv := &FailureView{Kind: kind}
	if err != nil {
		fv.Message = err.Error()
	}
	return fv
}
