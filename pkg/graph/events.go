package graph

import (
	"dxpipe/pkg/logx"
	"dxpipe/pkg/proto"
)

// EventSink receives lifecycle events as the executor emits them. Emit must
// not block: the executor is single-threaded and a stuck consumer would
// stall the run.
type EventSink interface {
	Emit(evt *proto.Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(*proto.Event) {}

// ChannelSink buffers events on a channel for a consumer goroutine. When
// the buffer is full the event is dropped with a warning rather than
// blocking the run; the JSONL audit log is the lossless record, the channel
// is a live feed.
type ChannelSink struct {
	ch     chan *proto.Event
	logger *logx.Logger
}

func NewChannelSink(depth int) *ChannelSink {
	if depth <= 0 {
		depth = 64
	}
	return &ChannelSink{
		ch:     make(chan *proto.Event, depth),
		logger: logx.NewLogger("events"),
	}
}

// Events is the consumer side.
func (s *ChannelSink) Events() <-chan *proto.Event {
	return s.ch
}

func (s *ChannelSink) Emit(evt *proto.Event) {
	select {
	case s.ch <- evt:
	default:
		s.logger.Warn("event buffer full, dropping %s for run %s", evt.Type, evt.RunID)
	}
}

// Close ends the feed. Emit must not be called after Close.
func (s *ChannelSink) Close() {
	close(s.ch)
}

// MultiSink fans one event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(evt *proto.Event) {
	for _, sink := range m {
		sink.Emit(evt)
	}
}

// FuncSink adapts a function to the EventSink interface.
type FuncSink func(evt *proto.Event)

func (f FuncSink) Emit(evt *proto.Event) { f(evt) }
