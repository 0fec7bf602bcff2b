package engine

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

const engineMeter = "policyflow.engine"

type engineMetrics struct {
	InstancesStarted   metric.Int64Counter
	InstancesEnded     metric.Int64Counter
	InstancesRunning   metric.Int64UpDownCounter
	JobsCreated        metric.Int64Counter
	JobsActivated      metric.Int64Counter
	JobsCompleted      metric.Int64Counter
	JobsFailed         metric.Int64Counter
	JobsExpired        metric.Int64Counter
	DecisionsEvaluated metric.Int64Counter
	IncidentsCreated   metric.Int64Counter
	IncidentsResolved  metric.Int64Counter
}

func newEngineMetrics(meter metric.Meter) (*engineMetrics, error) {
	var errJoin error

	instancesStarted, err := meter.Int64Counter("instances_started", metric.WithDescription("Number of process instances started"))
	errJoin = errors.Join(errJoin, err)

	instancesEnded, err := meter.Int64Counter("instances_ended", metric.WithDescription("Number of process instances completed or terminated"))
	errJoin = errors.Join(errJoin, err)

	instancesRunning, err := meter.Int64UpDownCounter("instances_running", metric.WithDescription("Number of process instances currently active"))
	errJoin = errors.Join(errJoin, err)

	jobsCreated, err := meter.Int64Counter("jobs_created", metric.WithDescription("Number of jobs created"))
	errJoin = errors.Join(errJoin, err)

	jobsActivated, err := meter.Int64Counter("jobs_activated", metric.WithDescription("Number of job leases handed to workers"))
	errJoin = errors.Join(errJoin, err)

	jobsCompleted, err := meter.Int64Counter("jobs_completed", metric.WithDescription("Number of jobs completed"))
	errJoin = errors.Join(errJoin, err)

	jobsFailed, err := meter.Int64Counter("jobs_failed", metric.WithDescription("Number of jobs failed"))
	errJoin = errors.Join(errJoin, err)

	jobsExpired, err := meter.Int64Counter("jobs_expired", metric.WithDescription("Number of job leases that expired"))
	errJoin = errors.Join(errJoin, err)

	decisionsEvaluated, err := meter.Int64Counter("decisions_evaluated", metric.WithDescription("Number of decision table evaluations"))
	errJoin = errors.Join(errJoin, err)

	incidentsCreated, err := meter.Int64Counter("incidents_created", metric.WithDescription("Number of incidents raised"))
	errJoin = errors.Join(errJoin, err)

	incidentsResolved, err := meter.Int64Counter("incidents_resolved", metric.WithDescription("Number of incidents resolved"))
	errJoin = errors.Join(errJoin, err)

	metrics := engineMetrics{
		InstancesStarted:   instancesStarted,
		InstancesEnded:     instancesEnded,
		InstancesRunning:   instancesRunning,
		JobsCreated:        jobsCreated,
		JobsActivated:      jobsActivated,
		JobsCompleted:      jobsCompleted,
		JobsFailed:         jobsFailed,
		JobsExpired:        jobsExpired,
		DecisionsEvaluated: decisionsEvaluated,
		IncidentsCreated:   incidentsCreated,
		IncidentsResolved:  incidentsResolved,
	}
	return &metrics, errJoin
}
