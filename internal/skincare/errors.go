package skincare

import "errors"

// ErrorKind names one entry of the failure taxonomy.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindDeviceUnavailable   ErrorKind = "DeviceUnavailable"
	KindNoActiveStream      ErrorKind = "NoActiveStream"
	KindUnreadableFile      ErrorKind = "UnreadableFile"
	KindAnalysisError       ErrorKind = "AnalysisError"
	KindRecommendationError ErrorKind = "RecommendationError"
)

var (
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	ErrNoActiveStream    = errors.New("no active camera stream")
	ErrUnreadableFile    = errors.New("unreadable image file")
	ErrAnalysis          = errors.New("skin analysis failed")
	ErrRecommendation    = errors.New("product recommendation failed")
)

// KindOf maps err onto the taxonomy. Unknown errors report KindNone.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrDeviceUnavailable):
		return KindDeviceUnavailable
	case errors.Is(err, ErrNoActiveStream):
		return KindNoActiveStream
	case errors.Is(err, ErrUnreadableFile):
		return KindUnreadableFile
	case errors.Is(err, ErrRecommendation):
		return KindRecommendationError
	case errors.Is(err, ErrAnalysis):
		return KindAnalysisError
	}
	return KindNone
}
