// Package events publishes finished analysis runs to a RabbitMQ topic exchange.
package events

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/pipeline"
	"github.com/example/skin-check/internal/skincare"
)

const publishTimeout = 5 * time.Second

// RunEvent is the message body for one finished run.
type RunEvent struct {
	RunID          string    `json:"run_id"`
	Status         string    `json:"status"`
	FailureKind    string    `json:"failure_kind,omitempty"`
	Error          string    `json:"error,omitempty"`
	ImageSource    string    `json:"image_source,omitempty"`
	ImageSHA1      string    `json:"image_sha1,omitempty"`
	SkinType       string    `json:"skin_type,omitempty"`
	Concerns       []string  `json:"concerns,omitempty"`
	HydrationLevel *int      `json:"hydration_level,omitempty"`
	UVDamage       *int      `json:"uv_damage,omitempty"`
	ProductCount   int       `json:"product_count"`
	DurationMs     int64     `json:"duration_ms"`
	FinishedAt     time.Time `json:"finished_at"`
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher implements pipeline.RunObserver.
type Publisher struct {
	channel    amqpChannel
	conn       *amqp.Connection
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// Dial connects to url and declares a durable topic exchange.
func Dial(url, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, logging.NewOperationError("events.dial", "", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, logging.NewOperationError("events.channel", "", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, logging.NewOperationError("events.declare_exchange", "", err)
	}
	p := newPublisher(ch, exchange, routingKey, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch amqpChannel, exchange, routingKey string, logger *zap.Logger) *Publisher {
	return &Publisher{channel: ch, exchange: exchange, routingKey: routingKey, logger: logger.Named("events")}
}

// RunFinished publishes report. Failures are logged; a broker outage never
// affects the pipeline.
func (p *Publisher) RunFinished(ctx context.Context, report pipeline.RunReport) {
	opLogger := logging.WithOperation(p.logger, "events.publish", report.RunID)

	body, err := json.Marshal(newRunEvent(report))
	if err != nil {
		opLogger.Error("failed to encode run event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.channel.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    report.RunID,
		Timestamp:    report.FinishedAt,
		Body:         body,
	})
	if err != nil {
		opLogger.Error("failed to publish run event", zap.Error(logging.NewOperationError("events.publish", report.RunID, err)))
		return
	}
	opLogger.Debug("run event published", zap.String("exchange", p.exchange), zap.String("routing_key", p.routingKey))
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func newRunEvent(report pipeline.RunReport) RunEvent {
	ev := RunEvent{
		RunID:      report.RunID,
		Status:     "completed",
		DurationMs: report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
		FinishedAt: report.FinishedAt,
	}
	if report.Image != nil {
		ev.ImageSource = string(report.Image.Source())
		ev.ImageSHA1 = report.Image.SHA1()
	}
	if report.Err != nil {
		ev.Status = "failed"
		ev.FailureKind = string(report.Failure)
		ev.Error = report.Err.Error()
	}
	if a := report.Analysis; a != nil {
		ev.SkinType = string(a.SkinType)
		ev.Concerns = skincare.UniqueConcerns(a.Concerns)
		hydration, uv := a.HydrationLevel, a.UVDamage
		ev.HydrationLevel = &hydration
		ev.UVDamage = &uv
	}
	if report.Recommendations != nil {
		ev.ProductCount = len(report.Recommendations.Products)
	}
	return ev
}
