package relay

import (
	"context"
	"log/slog"
	"time"

	"sigrelay/internal/attachment"
	"sigrelay/internal/classify"
	"sigrelay/internal/domain"
	"sigrelay/internal/metrics"
)

const defaultItemTimeout = 30 * time.Second

type ReceiverConfig struct {
	Notifier    domain.Notifier
	// Fetcher stores data message attachments. Nil skips attachments.
	Fetcher     *attachment.Fetcher
	// ItemTimeout bounds the handling of one item once the loop has been
	// asked to stop.
	ItemTimeout time.Duration
	Logger      *slog.Logger
}

// Receiver is the receive loop: it classifies each inbound item, notifies
// and stores attachments.
type Receiver struct {
	notifier    domain.Notifier
	fetcher     *attachment.Fetcher
	itemTimeout time.Duration
	logger      *slog.Logger
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = defaultItemTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Receiver{
		notifier:    cfg.Notifier,
		fetcher:     cfg.Fetcher,
		itemTimeout: cfg.ItemTimeout,
		logger:      cfg.Logger,
	}
}

// Run consumes the inbound stream of manager until the stream ends or ctx
// is done. An item already taken from the stream is always finished.
func (r *Receiver) Run(ctx context.Context, manager domain.ProtocolManager) {
	stream, err := manager.ReceiveMessages(ctx)
	if err != nil {
		r.logger.Error("cannot open receive stream", "error", err)
		return
	}
	classifier := classify.New(manager, r.logger)

	for {
		select {
		case <-ctx.Done():
			return
		case content, ok := <-stream:
			if !ok {
				r.logger.Debug("receive stream ended")
				return
			}
			r.handle(ctx, classifier, manager, content)
		}
	}
}

func (r *Receiver) handle(ctx context.Context, classifier *classify.Classifier, manager domain.ProtocolManager, content domain.Content) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.itemTimeout)
	defer cancel()

	thread, err := domain.ThreadOf(content)
	if err != nil {
		metrics.EventsDropped.Inc()
		r.logger.Warn("skipping content", "sender", content.Sender, "timestamp", content.Timestamp, "error", err)
		return
	}

	if ev, ok := classifier.Classify(ctx, content, thread); ok {
		if ev.Direction == domain.Sent {
			metrics.EventsSent.Inc()
		} else {
			metrics.EventsReceived.Inc()
		}
		if r.notifier != nil {
			if err := r.notifier.Notify(ctx, ev); err != nil {
				metrics.NotifyFailures.Inc()
				r.logger.Warn("notification failed", "thread", thread, "error", err)
			}
		}
	} else {
		metrics.EventsDropped.Inc()
	}

	dm, ok := content.Body.(*domain.DataMessage)
	if !ok || r.fetcher == nil {
		return
	}
	for _, ptr := range dm.Attachments {
		r.fetcher.Fetch(ctx, manager, ptr, content.Sender)
	}
}
