package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instruments recorded by workflow runs.
type Metrics struct {
	AttemptDuration metric.Float64Histogram
	Attempts        metric.Int64Counter
	Restarts        metric.Int64Counter
	StreamFragments metric.Int64Counter
	LoadErrors      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AttemptDuration, err = meter.Float64Histogram("gosurvey.attempt.duration",
		metric.WithDescription("Row attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Attempts, err = meter.Int64Counter("gosurvey.attempts",
		metric.WithDescription("Row attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.Restarts, err = meter.Int64Counter("gosurvey.helpers.restarts",
		metric.WithDescription("Helper process restart cycles"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamFragments, err = meter.Int64Counter("gosurvey.stream.fragments",
		metric.WithDescription("Investigation stream fragments received"),
	)
	if err != nil {
		return nil, err
	}

	m.LoadErrors, err = meter.Int64Counter("gosurvey.backlog.load_errors",
		metric.WithDescription("Rows excluded from a backlog because they failed validation"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
