// Package metrics provides the join engine's observability registry
// (spec.md §4.7): counters for consumed/created records and backups, and
// gauges for lag and pending work. Instruments are registered at
// construction time against the metric.Meter passed to New (the CLI passes
// one from the global OTel meter provider), the same init-time pattern the
// teacher uses for its dolt storage backend
// (internal/storage/dolt/store.go's doltMetrics/otel.Meter init), so metrics
// forward to a real exporter once one is wired up and are a safe no-op
// until then.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics is the engine's metrics handle, owned by the driver and passed
// explicitly into components (spec.md §9 "Global metrics registry
// singleton in source... re-architect as a metrics handle owned by the
// engine"), rather than a package-level global.
type Metrics struct {
	consumedTotal  metric.Int64Counter
	consumedByTopic metric.Int64Counter
	createdByOutput metric.Int64Counter

	backupsCreated  metric.Int64Counter
	backupsRestored metric.Int64Counter
	backupsDeleted  metric.Int64Counter

	lagTotal   metric.Int64Gauge
	lagByTopic metric.Int64Gauge

	pendingTotal    metric.Int64Gauge
	pendingByOutput metric.Int64Gauge

	commitDuration metric.Float64Histogram
	backupDuration metric.Float64Histogram
}

// New builds a Metrics handle registering instruments against meter. Pass
// otel.Meter("github.com/southpaw-go/southpaw") for the default global
// provider, matching the teacher's per-package meter naming.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.consumedTotal, err = meter.Int64Counter("southpaw.consumed.total",
		metric.WithDescription("input records consumed across all streams"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	if m.consumedByTopic, err = meter.Int64Counter("southpaw.consumed.by_input",
		metric.WithDescription("input records consumed, by input stream alias"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	if m.createdByOutput, err = meter.Int64Counter("southpaw.created.by_output",
		metric.WithDescription("denormalized records written, by output"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	if m.backupsCreated, err = meter.Int64Counter("southpaw.backups.created",
		metric.WithDescription("state store backups taken"),
	); err != nil {
		return nil, err
	}
	if m.backupsRestored, err = meter.Int64Counter("southpaw.backups.restored",
		metric.WithDescription("state store restores performed"),
	); err != nil {
		return nil, err
	}
	if m.backupsDeleted, err = meter.Int64Counter("southpaw.backups.deleted",
		metric.WithDescription("state store backup sets deleted"),
	); err != nil {
		return nil, err
	}
	if m.lagTotal, err = meter.Int64Gauge("southpaw.lag.total",
		metric.WithDescription("total records behind across all input streams"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	if m.lagByTopic, err = meter.Int64Gauge("southpaw.lag.by_input",
		metric.WithDescription("records behind, by input stream alias"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	if m.pendingTotal, err = meter.Int64Gauge("southpaw.pending.total",
		metric.WithDescription("root PKs awaiting emit across all outputs"),
		metric.WithUnit("{key}"),
	); err != nil {
		return nil, err
	}
	if m.pendingByOutput, err = meter.Int64Gauge("southpaw.pending.by_output",
		metric.WithDescription("root PKs awaiting emit, by output"),
		metric.WithUnit("{key}"),
	); err != nil {
		return nil, err
	}
	if m.commitDuration, err = meter.Float64Histogram("southpaw.commit.duration_ms",
		metric.WithDescription("time spent in a state commit"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.backupDuration, err = meter.Float64Histogram("southpaw.backup.duration_ms",
		metric.WithDescription("time spent taking a state backup"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Noop returns a Metrics handle backed by the OTel no-op meter, for tests
// and for a driver run without an exporter configured.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter("github.com/southpaw-go/southpaw"))
	return m
}

// aliasAttr and outputAttr are the dimension attributes attached to
// per-input/per-output instruments.
func aliasAttr(alias string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("input", alias))
}

func outputAttr(output string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("output", output))
}

// RecordConsumed increments the consumed counters by n records read from
// the named input alias.
func (m *Metrics) RecordConsumed(ctx context.Context, alias string, n int64) {
	m.consumedTotal.Add(ctx, n)
	m.consumedByTopic.Add(ctx, n, aliasAttr(alias))
}

// RecordCreated increments the created-records counter for one denormalized
// record written to the named output.
func (m *Metrics) RecordCreated(ctx context.Context, output string) {
	m.createdByOutput.Add(ctx, 1, outputAttr(output))
}

// RecordBackupCreated, RecordBackupRestored, RecordBackupDeleted increment
// the durability controller's backup lifecycle counters.
func (m *Metrics) RecordBackupCreated(ctx context.Context)  { m.backupsCreated.Add(ctx, 1) }
func (m *Metrics) RecordBackupRestored(ctx context.Context) { m.backupsRestored.Add(ctx, 1) }
func (m *Metrics) RecordBackupDeleted(ctx context.Context)  { m.backupsDeleted.Add(ctx, 1) }

// ObserveLag reports the current lag for one input alias and updates the
// total lag gauge to total.
func (m *Metrics) ObserveLag(ctx context.Context, alias string, lag, total int64) {
	m.lagByTopic.Record(ctx, lag, aliasAttr(alias))
	m.lagTotal.Record(ctx, total)
}

// ObservePending reports the current pending-set size for one output and
// updates the total pending gauge to total.
func (m *Metrics) ObservePending(ctx context.Context, output string, size, total int64) {
	m.pendingByOutput.Record(ctx, size, outputAttr(output))
	m.pendingTotal.Record(ctx, total)
}

// ObserveCommit records the duration of one commit cycle.
func (m *Metrics) ObserveCommit(ctx context.Context, ms float64) {
	m.commitDuration.Record(ctx, ms)
}

// ObserveBackup records the duration of one backup cycle.
func (m *Metrics) ObserveBackup(ctx context.Context, ms float64) {
	m.backupDuration.Record(ctx, ms)
}
