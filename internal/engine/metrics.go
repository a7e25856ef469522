package engine

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"holdline/internal/domain"
	"holdline/internal/engine/auth"
)

type engineMetrics struct {
	commitAttempts *prometheus.CounterVec
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	factory := promauto.With(reg)
	return &engineMetrics{
		commitAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "holdline_commit_attempts_total",
			Help: "commit attempts by outcome",
		}, []string{"outcome"}),
	}
}

// observeCommit labels the attempt "committed", the business error kind, or "error".
func (m *engineMetrics) observeCommit(err error) {
	if m == nil {
		return
	}
	outcome := "committed"
	var derr *domain.Error
	var forbidden auth.ForbiddenError
	switch {
	case err == nil:
	case errors.As(err, &derr):
		outcome = string(derr.Kind)
	case errors.As(err, &forbidden):
		outcome = "forbidden"
	default:
		outcome = "error"
	}
	m.commitAttempts.WithLabelValues(outcome).Inc()
}
