package status

import (
	"context"

	"github.com/rzbill/ciqueue/pkg/log"
)

// LogSink writes each update as a structured log line.
type LogSink struct {
	log log.Logger
}

// NewLogSink returns a LogSink writing to l.
func NewLogSink(l log.Logger) *LogSink {
	return &LogSink{log: l.WithComponent("status")}
}

// SetStatus implements Sink.
func (s *LogSink) SetStatus(_ context.Context, u Update) error {
	s.log.Info("commit status",
		log.Str("revision", u.Revision.String()),
		log.Str("scope", u.Scope),
		log.Str("state", string(u.State)),
		log.Str("description", u.Description),
	)
	return nil
}
