package telemetry

import (
	"time"

	"github.com/rs/zerolog"
)

// Event types emitted over the deployment lifecycle.
const (
	EventDeployStarted   = "deploy.started"
	EventDeployResumed   = "deploy.resumed"
	EventDeployCompleted = "deploy.completed"
	EventDeployFailed    = "deploy.failed"

	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventStepSkipped   = "step.skipped"

	EventAddonInstalled     = "addon.installed"
	EventAddonInstallFailed = "addon.install_failed"
	EventAddonSkipped       = "addon.skipped"

	EventInstanceCreated = "instance.created"
	EventInstanceDeleted = "instance.deleted"
)

// Event is a structured deployment lifecycle event.
type Event struct {
	Type      string         `json:"type"`
	BoxID     string         `json:"box_id"`
	Attempt   int            `json:"attempt,omitempty"`
	Step      string         `json:"step,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Recorder emits lifecycle events to the log stream and mirrors them
// into metrics. It is the single sink workers report through.
type Recorder struct {
	logger  zerolog.Logger
	metrics *Metrics
}

// NewRecorder creates an event recorder.
func NewRecorder(logger zerolog.Logger, metrics *Metrics) *Recorder {
	return &Recorder{logger: logger, metrics: metrics}
}

// Record emits one event.
func (r *Recorder) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	logEv := r.logger.Info()
	if ev.Type == EventDeployFailed || ev.Type == EventStepFailed || ev.Type == EventAddonInstallFailed {
		logEv = r.logger.Warn()
	}

	logEv = logEv.
		Str("event", ev.Type).
		Str("box_id", ev.BoxID).
		Time("at", ev.Timestamp)
	if ev.Attempt > 0 {
		logEv = logEv.Int("attempt", ev.Attempt)
	}
	if ev.Step != "" {
		logEv = logEv.Str("step", ev.Step)
	}
	for k, v := range ev.Fields {
		logEv = logEv.Interface(k, v)
	}
	logEv.Msg(ev.Type)

	if r.metrics == nil {
		return
	}
	switch ev.Type {
	case EventDeployStarted:
		r.metrics.DeploysStarted.WithLabelValues("false").Inc()
	case EventDeployResumed:
		r.metrics.DeploysStarted.WithLabelValues("true").Inc()
	case EventDeployCompleted:
		r.metrics.DeploysCompleted.WithLabelValues("success").Inc()
	case EventDeployFailed:
		r.metrics.DeploysCompleted.WithLabelValues("failure").Inc()
	case EventAddonInstalled:
		r.metrics.AddonInstalls.WithLabelValues("success").Inc()
	case EventAddonInstallFailed:
		r.metrics.AddonInstalls.WithLabelValues("failure").Inc()
	case EventAddonSkipped:
		r.metrics.AddonInstalls.WithLabelValues("skipped").Inc()
	case EventInstanceCreated:
		r.metrics.InstancesActive.Inc()
	case EventInstanceDeleted:
		r.metrics.InstancesActive.Dec()
	}
}

// Step records a step outcome event with its duration.
func (r *Recorder) Step(boxID string, attempt int, step, eventType string, d time.Duration, fields map[string]any) {
	r.Record(Event{Type: eventType, BoxID: boxID, Attempt: attempt, Step: step, Fields: fields})
	if r.metrics != nil && d > 0 {
		status := "completed"
		switch eventType {
		case EventStepFailed:
			status = "failed"
		case EventStepSkipped:
			status = "skipped"
		}
		r.metrics.ObserveStep(step, status, d)
	}
}
