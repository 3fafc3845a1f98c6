package controller

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/utafrali/catalog-screen/internal/catalog"
	"github.com/utafrali/catalog-screen/internal/query"
	"github.com/utafrali/catalog-screen/pkg/logger"
)

var (
	fetchesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_screen_fetches_issued_total",
		Help: "Total number of listing fetches issued by catalog screens",
	})

	fetchResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_screen_fetch_results_total",
			Help: "Listing fetch resolutions by what the screen did with them (applied, stale, failed)",
		},
		[]string{"result"},
	)

	fetchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_screen_fetch_failures_total",
			Help: "Reported listing fetch failures by reason",
		},
		[]string{"reason"},
	)
)

// Failure describes a failed fetch for the active criteria.
type Failure struct {
	ScreenID string
	Token    Token
	Criteria query.Criteria
	Err      error
}

// Reporter receives failures of current fetches. Stale failures are never
// reported. Implementations are called on the controller loop and must not
// block.
type Reporter interface {
	ReportFailure(ctx context.Context, f Failure)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, f Failure)

// ReportFailure calls fn.
func (fn ReporterFunc) ReportFailure(ctx context.Context, f Failure) {
	fn(ctx, f)
}

// LogReporter logs failures and counts them by reason.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates the default failure reporter.
func NewLogReporter(l *slog.Logger) *LogReporter {
	return &LogReporter{logger: l}
}

// ReportFailure implements Reporter.
func (r *LogReporter) ReportFailure(ctx context.Context, f Failure) {
	reason := catalog.Reason(f.Err)
	fetchFailuresTotal.WithLabelValues(reason).Inc()

	logger.WithContext(ctx, r.logger).ErrorContext(ctx, "failed to fetch products",
		slog.String("screen_id", f.ScreenID),
		slog.Uint64("token", uint64(f.Token)),
		slog.String("query", query.Encode(f.Criteria)),
		slog.String("reason", reason),
		slog.String("error", f.Err.Error()),
	)
}

// Reporters fans a failure out to every non-nil reporter in order.
func Reporters(rs ...Reporter) Reporter {
	out := make(multiReporter, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multiReporter []Reporter

func (m multiReporter) ReportFailure(ctx context.Context, f Failure) {
	for _, r := range m {
		r.ReportFailure(ctx, f)
	}
}
