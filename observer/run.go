package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	praxislog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// StartRun opens the run-level span that parents every model and tool span
// emitted while one request is served. The returned finish must be called
// when the run ends; it records status, duration, and a log record. Cancelled
// runs (context expired and the run returned an error) are labelled as such.
func StartRun(ctx context.Context, inst *Instruments, mode, sessionID string) (context.Context, func(error)) {
	ctx, span := inst.Tracer.Start(ctx, "run.execute", trace.WithAttributes(
		AttrRunMode.String(mode),
		AttrSessionID.String(sessionID),
	))
	start := time.Now()

	span.AddEvent("run.started")

	finish := func(err error) {
		defer span.End()
		durationMs := float64(time.Since(start).Milliseconds())

		status := "ok"
		if ctx.Err() != nil && err != nil {
			status = "cancelled"
			span.AddEvent("run.cancelled")
			span.SetStatus(codes.Error, "cancelled")
		} else if err != nil {
			status = "error"
			span.AddEvent("run.failed", trace.WithAttributes(
				attribute.String("error", err.Error()),
			))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.AddEvent("run.completed")
		}
		span.SetAttributes(AttrRunStatus.String(status))

		inst.RunExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrRunMode.String(mode),
			attribute.String("status", status),
		))
		inst.RunDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrRunMode.String(mode),
		))

		// Structured log
		var rec praxislog.Record
		rec.SetSeverity(praxislog.SeverityInfo)
		rec.SetBody(praxislog.StringValue("run completed"))
		rec.AddAttributes(
			praxislog.String("run.mode", mode),
			praxislog.String("run.status", status),
			praxislog.String("session.id", sessionID),
			praxislog.Float64("duration_ms", durationMs),
		)
		inst.Logger.Emit(ctx, rec)
	}

	return ctx, finish
}
