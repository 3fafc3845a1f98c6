package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/utafrali/catalog-screen/internal/catalog"
	"github.com/utafrali/catalog-screen/internal/controller"
	"github.com/utafrali/catalog-screen/internal/query"
	pkgkafka "github.com/utafrali/catalog-screen/pkg/kafka"
	"github.com/utafrali/catalog-screen/pkg/logger"
)

// Event type and topic for fetch failures.
const (
	TypeFetchFailed = "screen.fetch_failed"
)

// TopicFetchFailed receives one event per reported fetch failure.
var TopicFetchFailed = pkgkafka.Topic("screen", "fetch-failed")

// FetchFailedData is the payload of a screen.fetch_failed event.
type FetchFailedData struct {
	ScreenID string            `json:"screen_id"`
	Token    uint64            `json:"token"`
	Query    string            `json:"query"`
	Criteria map[string]string `json:"criteria"`
	Reason   string            `json:"reason"`
	Error    string            `json:"error"`
}

// Publisher is the part of *pkgkafka.Producer the event producer uses.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes screen events. It implements controller.Reporter;
// publishing happens off the controller loop.
type Producer struct {
	kafka   Publisher
	source  string
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewProducer creates an event producer. timeout bounds each publish.
func NewProducer(kafka Publisher, source string, timeout time.Duration, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:   kafka,
		source:  source,
		timeout: timeout,
		logger:  logger,
	}
}

// PublishFetchFailed publishes a screen.fetch_failed event for f.
func (p *Producer) PublishFetchFailed(ctx context.Context, f controller.Failure) error {
	data := FetchFailedData{
		ScreenID: f.ScreenID,
		Token:    uint64(f.Token),
		Query:    query.Encode(f.Criteria),
		Criteria: f.Criteria.Map(),
		Reason:   catalog.Reason(f.Err),
		Error:    f.Err.Error(),
	}

	evt, err := pkgkafka.NewEvent(TypeFetchFailed, f.ScreenID, p.source, data)
	if err != nil {
		return err
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		evt.WithCorrelationID(id)
	}
	return p.kafka.Publish(ctx, TopicFetchFailed, evt)
}

// ReportFailure implements controller.Reporter. The publish keeps the values
// of ctx but not its cancellation, so closing the screen does not drop the
// event.
func (p *Producer) ReportFailure(ctx context.Context, f controller.Failure) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		if err := p.PublishFetchFailed(ctx, f); err != nil {
			logger.WithContext(ctx, p.logger).WarnContext(ctx, "fetch failure event not published",
				slog.String("screen_id", f.ScreenID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until in-flight publishes finish. Used on shutdown.
func (p *Producer) Wait() {
	p.wg.Wait()
}
