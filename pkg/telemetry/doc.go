// Package telemetry provides observability for macsetup runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and an event publisher into one Telemetry value that is carried
// in a context.Context.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Loggers are recovered from the context, so engine code never holds a global:
//
//	logger := telemetry.FromContext(ctx).WithSubject("brew", "htop")
//	logger.Info("installing")
//
// When no logger is attached FromContext returns a disabled logger.
//
// # Runs and actions
//
// WithRunContext and EndRunContext bracket one sync run: they open the root
// span, tag the logger with the run ID and record run metrics and events.
// RecordAdapterOperation wraps every adapter call with a span and call
// metrics.
//
// # Metrics
//
// The registry is private to the Metrics value. A CLI run writes it to a
// textfile (MetricsConfig.TextfilePath) on shutdown; watch mode can also
// serve it over HTTP with StartMetricsServer.
package telemetry
