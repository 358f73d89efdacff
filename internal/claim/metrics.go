package claim

import (
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	claims   metric.Int64Counter
	releases metric.Int64Counter
	reclaims metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.claims, err = meter.Int64Counter(
		"swarm.claims",
		metric.WithDescription("Claim attempts by result"),
		metric.WithUnit("{claim}"),
	)
	if err != nil {
		return nil, err
	}

	m.releases, err = meter.Int64Counter(
		"swarm.releases",
		metric.WithDescription("Task releases by outcome and result"),
		metric.WithUnit("{release}"),
	)
	if err != nil {
		return nil, err
	}

	m.reclaims, err = meter.Int64Counter(
		"swarm.reclaims",
		metric.WithDescription("Leases and tasks reclaimed by the sweep"),
		metric.WithUnit("{lease}"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
