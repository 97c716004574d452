// Package telemetry provides observability for the control plane:
// zerolog structured logging, Prometheus metrics, OpenTelemetry tracing,
// and a typed recorder for deployment lifecycle events.
package telemetry
