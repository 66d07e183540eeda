package replay

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sink receives every stamped record, in replay order.
type Sink interface {
	Emit(ctx context.Context, rec *domain.Record) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, rec *domain.Record) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, rec *domain.Record) error {
	return f(ctx, rec)
}

// MultiSink fans a record out to several sinks, stopping at the first error.
type MultiSink []Sink

// Emit forwards rec to every non-nil sink.
func (m MultiSink) Emit(ctx context.Context, rec *domain.Record) error {
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Discard is a Sink that drops every record.
var Discard Sink = SinkFunc(func(context.Context, *domain.Record) error { return nil })
