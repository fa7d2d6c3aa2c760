package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/pipeline"
	"github.com/example/skin-check/internal/skincare"
)

type stubChannel struct {
	exchange string
	key      string
	msgs     []amqp.Publishing
	err      error
	closed   bool
}

func (s *stubChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if s.err != nil {
		return s.err
	}
	s.exchange, s.key = exchange, key
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *stubChannel) Close() error {
	s.closed = true
	return nil
}

func TestRunFinishedPublishesCompletedRun(t *testing.T) {
	ch := &stubChannel{}
	p := newPublisher(ch, "skincheck.runs", "run.finished", zap.NewNop())

	started := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	report := pipeline.RunReport{
		RunID: "run-1",
		Image: skincare.NewCapturedImage([]byte{0xff, 0xd8, 0xff}, "image/jpeg", skincare.SourceUpload),
		Analysis: &skincare.AnalysisResult{
			SkinType:       skincare.SkinTypeOily,
			Concerns:       []string{"acne", "acne", "pores"},
			HydrationLevel: 40,
			UVDamage:       10,
		},
		Recommendations: &skincare.RecommendationSet{Products: []skincare.Product{json.RawMessage(`{"name":"cleanser"}`)}},
		StartedAt:       started,
		FinishedAt:      started.Add(1500 * time.Millisecond),
	}

	p.RunFinished(context.Background(), report)

	if len(ch.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(ch.msgs))
	}
	if ch.exchange != "skincheck.runs" || ch.key != "run.finished" {
		t.Fatalf("unexpected routing %s/%s", ch.exchange, ch.key)
	}
	msg := ch.msgs[0]
	if msg.MessageId != "run-1" || msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected message metadata %+v", msg)
	}

	var ev RunEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ev.Status != "completed" || ev.SkinType != "Oily" || ev.ProductCount != 1 || ev.DurationMs != 1500 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(ev.Concerns) != 2 {
		t.Fatalf("expected deduplicated concerns, got %v", ev.Concerns)
	}
	if ev.HydrationLevel == nil || *ev.HydrationLevel != 40 {
		t.Fatalf("unexpected hydration %v", ev.HydrationLevel)
	}
}

func TestRunFinishedPublishesFailure(t *testing.T) {
	ch := &stubChannel{}
	p := newPublisher(ch, "x", "k", zap.NewNop())

	p.RunFinished(context.Background(), pipeline.RunReport{
		RunID:   "run-2",
		Failure: skincare.KindAnalysisError,
		Err:     errors.New("service returned 500"),
	})

	var ev RunEvent
	if err := json.Unmarshal(ch.msgs[0].Body, &ev); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ev.Status != "failed" || ev.FailureKind != string(skincare.KindAnalysisError) || ev.Error == "" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.HydrationLevel != nil {
		t.Fatal("failed run should not carry levels")
	}
}

func TestRunFinishedSwallowsBrokerErrors(t *testing.T) {
	ch := &stubChannel{err: amqp.ErrClosed}
	p := newPublisher(ch, "x", "k", zap.NewNop())

	p.RunFinished(context.Background(), pipeline.RunReport{RunID: "run-3"})

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !ch.closed {
		t.Fatal("expected channel closed")
	}
}
