package ingest

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/geotrack/geovector/engine/domain"
	"github.com/geotrack/geovector/pkg/natsutil"
)

const (
	// RunSubject triggers a pipeline run. Payload: RunRequest.
	RunSubject = "geovector.ingest.run"
	// DoneSubject announces the outcome of every run. Payload: RunEvent.
	DoneSubject = "geovector.ingest.done"
)

// RunEvent reports the outcome of a run.
type RunEvent struct {
	Summary RunSummary `json:"summary"`
	Error   string     `json:"error,omitempty"`
	Kind    string     `json:"kind,omitempty"`
}

// OK reports whether the run succeeded.
func (e RunEvent) OK() bool { return e.Error == "" }

// Handle runs the pipeline for req and describes the outcome as an event.
func (p *Pipeline) Handle(ctx context.Context, req RunRequest) RunEvent {
	sum, err := p.RunWith(ctx, req)
	ev := RunEvent{Summary: sum}
	if err != nil {
		ev.Error = err.Error()
		ev.Kind = domain.KindOf(err).String()
	}
	return ev
}

// StartConsumer runs the pipeline for every request on RunSubject. Each
// outcome is sent as the reply (when one is requested) and published on
// DoneSubject.
func StartConsumer(nc *nats.Conn, p *Pipeline, log *slog.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	return natsutil.Respond(nc, RunSubject, func(ctx context.Context, req RunRequest) RunEvent {
		log.Info("ingest: run requested", "limit", req.Limit, "force_load", req.ForceLoad)
		ev := p.Handle(ctx, req)
		if err := natsutil.Publish(ctx, nc, DoneSubject, ev); err != nil {
			log.Error("ingest: publish done event", "error", err)
		}
		return ev
	})
}
