package sdk

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// sdkMetrics holds prometheus metrics registered for the SDK.
type sdkMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func newSDKMetrics(reg prometheus.Registerer) (*sdkMetrics, error) {
	m := &sdkMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "sdk",
			Name:      "operations_total",
			Help:      "Total SDK operations by type, outcome and server error code.",
		}, []string{"operation", "outcome", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docqa",
			Subsystem: "sdk",
			Name:      "operation_duration_seconds",
			Help:      "SDK operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if err := registerOrReuse(reg, &m.operations); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

// registerOrReuse registers a collector or reuses an existing one.
func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	if err := reg.Register(*c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			existing, ok := are.ExistingCollector.(T)
			if !ok {
				return fmt.Errorf("docqa: metric already registered with incompatible type: %T", are.ExistingCollector)
			}
			*c = existing
			return nil
		}
		return fmt.Errorf("docqa: register metric: %w", err)
	}
	return nil
}

// observer provides logging and metrics for SDK operations.
type observer struct {
	logger  *zap.Logger
	metrics *sdkMetrics
}

func newObserver(logger *zap.Logger, reg prometheus.Registerer) (*observer, error) {
	var m *sdkMetrics
	if reg != nil {
		var err error
		m, err = newSDKMetrics(reg)
		if err != nil {
			return nil, err
		}
	}
	return &observer{logger: logger, metrics: m}, nil
}

// outcomeOf classifies err for metrics. Server errors are labelled by their
// status class and code; anything else is a transport failure.
func outcomeOf(err error) (outcome, code string) {
	if err == nil {
		return "ok", ""
	}
	apiErr, ok := AsAPIError(err)
	if !ok {
		return "transport", ""
	}
	switch {
	case apiErr.StatusCode >= 500:
		outcome = "server_error"
	case apiErr.StatusCode >= 400:
		outcome = "client_error"
	default:
		outcome = "unexpected_status"
	}
	return outcome, apiErr.Code
}

func (o *observer) observe(op string, start time.Time, err error) {
	if o == nil {
		return
	}
	dur := time.Since(start)
	outcome, code := outcomeOf(err)

	if o.metrics != nil {
		o.metrics.operations.WithLabelValues(op, outcome, code).Inc()
		o.metrics.duration.WithLabelValues(op).Observe(dur.Seconds())
	}

	if o.logger == nil {
		return
	}
	if err == nil {
		o.logger.Debug("Operation completed",
			zap.String("op", op), zap.Duration("duration", dur))
		return
	}
	fields := []zap.Field{zap.String("op", op), zap.String("outcome", outcome), zap.Duration("duration", dur)}
	if apiErr, ok := AsAPIError(err); ok {
		fields = append(fields, zap.Int("status", apiErr.StatusCode), zap.String("code", apiErr.Code))
		if apiErr.Stage != "" {
			fields = append(fields, zap.String("stage", apiErr.Stage))
		}
	}
	fields = append(fields, zap.Error(err))
	// 4xx is the caller's problem; log it quieter than a failing server.
	if outcome == "client_error" {
		o.logger.Info("Operation rejected", fields...)
		return
	}
	o.logger.Warn("Operation failed", fields...)
}
