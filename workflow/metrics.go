package workflow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

const meterName = "github.com/jeremylerwick-max/omni-channel-crm/workflow"

// metrics holds the engine's OpenTelemetry instruments. The global meter
// provider is a no-op until the process installs one.
type metrics struct {
	enrollments metric.Int64Counter
	steps       metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(meterName)
	enrollments, err := meter.Int64Counter("automation.enrollments",
		metric.WithDescription("Enrollment transitions, by resulting status"))
	if err != nil {
		return nil, err
	}
	steps, err := meter.Int64Counter("automation.steps",
		metric.WithDescription("Step attempts, by step type and status"))
	if err != nil {
		return nil, err
	}
	return &metrics{enrollments: enrollments, steps: steps}, nil
}

func (m *metrics) enrollment(ctx context.Context, status types.EnrollmentStatus) {
	m.enrollments.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *metrics) step(ctx context.Context, t types.StepType, status types.LogStatus) {
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step_type", string(t)),
		attribute.String("status", string(status))))
}
