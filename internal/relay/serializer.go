package relay

import (
	"context"
	"log/slog"

	"sigrelay/internal/domain"
	"sigrelay/internal/metrics"
)

// RequestSource yields queued requests in submission order. ok is false once
// the source is closed and drained.
type RequestSource interface {
	Dequeue(ctx context.Context) (req domain.OutboundRequest, ok bool, err error)
}

type RequestProcessor interface {
	Process(ctx context.Context, req domain.OutboundRequest) error
}

// Serializer is the single consumer of the request queue.
type Serializer struct {
	source    RequestSource
	processor RequestProcessor
	logger    *slog.Logger
}

func NewSerializer(source RequestSource, processor RequestProcessor, logger *slog.Logger) *Serializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Serializer{source: source, processor: processor, logger: logger}
}

// Run processes requests one at a time until the source is drained, ctx is
// cancelled or a fatal error occurs. A drained source returns nil.
func (s *Serializer) Run(ctx context.Context) error {
	s.logger.Info("request serializer started")

	for {
		req, ok, err := s.source.Dequeue(ctx)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.Info("request queue closed, serializer stopping")
			return nil
		}

		s.logger.Info("processing request", "destination", req.Destination, "length", len(req.Body))
		if err := s.processor.Process(ctx, req); err != nil {
			if IsFatal(err) {
				s.logger.Error("fatal session error, serializer stopping", "error", err)
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.RequestsFailed.Inc()
			s.logger.Error("request failed", "destination", req.Destination, "error", err)
			continue
		}
		metrics.RequestsProcessed.Inc()
		s.logger.Info("request sent", "destination", req.Destination)
	}
}
