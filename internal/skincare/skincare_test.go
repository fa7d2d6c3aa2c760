package skincare

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{errors.New("other"), KindNone},
		{fmt.Errorf("open: %w", ErrDeviceUnavailable), KindDeviceUnavailable},
		{fmt.Errorf("capture: %w", ErrNoActiveStream), KindNoActiveStream},
		{fmt.Errorf("read: %w", ErrUnreadableFile), KindUnreadableFile},
		{fmt.Errorf("%w: status 500", ErrAnalysis), KindAnalysisError},
		{fmt.Errorf("%w: timeout", ErrRecommendation), KindRecommendationError},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestCapturedImageIsolatedFromCallerBuffer(t *testing.T) {
	data := []byte{1, 2, 3}
	img := NewCapturedImage(data, "image/jpeg", SourceCamera)
	data[0] = 9

	got := img.Bytes()
	if got[0] != 1 {
		t.Fatalf("expected image bytes to be copied, got %v", got)
	}
	got[1] = 9
	if img.Bytes()[1] != 2 {
		t.Fatal("Bytes must return a copy")
	}
	if img.Filename() != "image.jpg" {
		t.Fatalf("unexpected filename %s", img.Filename())
	}
}

func TestUniqueConcernsKeepsOrder(t *testing.T) {
	got := UniqueConcerns([]string{"acne", "Dullness", "acne", "pores"})
	want := []string{"acne", "Dullness", "pores"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestParseSkinType(t *testing.T) {
	if st, ok := ParseSkinType("Oily"); !ok || st != SkinTypeOily {
		t.Fatalf("expected Oily, got %q %v", st, ok)
	}
	if _, ok := ParseSkinType("oily"); ok {
		t.Fatal("skin type parsing is case sensitive")
	}
}

func TestRunIDRoundTrip(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-1")
	if got := RunIDFromContext(ctx); got != "run-1" {
		t.Fatalf("unexpected run id %q", got)
	}
	if got := RunIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty run id, got %q", got)
	}
}
