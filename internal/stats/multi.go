package stats

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

// Multi sends each report to every sink. A failing sink is logged and never
// fails the fetch that produced the report.
type Multi struct {
	sinks  []crawler.StatsSink
	logger *zap.Logger
}

// NewMulti builds a Multi, skipping nil sinks.
func NewMulti(logger *zap.Logger, sinks ...crawler.StatsSink) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Multi{logger: logger.Named("stats")}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int {
	return len(m.sinks)
}

// RecordPage implements crawler.StatsSink.
func (m *Multi) RecordPage(ctx context.Context, report crawler.PageReport) error {
	for _, s := range m.sinks {
		if err := s.RecordPage(ctx, report); err != nil {
			m.logger.Warn("stats sink failed",
				zap.String("sink", sinkName(s)),
				zap.String("url", report.URL),
				zap.Error(err),
			)
		}
	}
	return nil
}

func sinkName(s crawler.StatsSink) string {
	switch s.(type) {
	case *Prometheus:
		return "prometheus"
	case *PubSub:
		return "pubsub"
	case *Postgres:
		return "postgres"
	default:
		return "custom"
	}
}
