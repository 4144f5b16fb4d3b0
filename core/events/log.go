package events

import "log/slog"

// LogEmitter writes every event as one structured log line. The append-only
// event stream is the sole channel the off-chain indexer consumes, so the
// emitter renders the full attribute map on each line.
type LogEmitter struct {
	log *slog.Logger
}

// NewLogEmitter constructs an emitter writing to the given logger. A nil
// logger falls back to the default.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{log: logger}
}

// Emit implements the Emitter interface.
func (e *LogEmitter) Emit(evt Event) {
	if e == nil || evt == nil {
		return
	}
	rendered := evt.Event()
	if rendered == nil {
		return
	}
	attrs := make([]any, 0, 2+len(rendered.Attributes))
	attrs = append(attrs, slog.String("event", rendered.Type))
	for key, value := range rendered.Attributes {
		attrs = append(attrs, slog.String(key, value))
	}
	e.log.Info("escrow event", attrs...)
}

// Fanout broadcasts each event to every wrapped emitter in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
