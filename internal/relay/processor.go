// Package relay serializes outbound requests over a single protocol session
// and observes inbound traffic while each session is open.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sigrelay/internal/domain"
	"sigrelay/internal/metrics"
)

// DefaultGraceWindow is how long inbound traffic is observed before sending.
const DefaultGraceWindow = 4 * time.Second

// SessionConfig locates the session store. It is built once at startup and
// never modified.
type SessionConfig struct {
	StorePath  string
	Passphrase string
}

type StoreOpener func(ctx context.Context, path, passphrase string) (domain.SessionStore, error)

type ManagerLoader func(ctx context.Context, store domain.SessionStore) (domain.ProtocolManager, error)

type ProcessorConfig struct {
	Session     SessionConfig
	OpenStore   StoreOpener
	LoadManager ManagerLoader
	// Receiver observes inbound traffic during the grace window. Nil
	// disables observation.
	Receiver    *Receiver
	GraceWindow time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Processor owns the session lifecycle of one request at a time. Callers
// must not invoke its methods concurrently.
type Processor struct {
	session     SessionConfig
	openStore   StoreOpener
	loadManager ManagerLoader
	receiver    *Receiver
	grace       time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		session:     cfg.Session,
		openStore:   cfg.OpenStore,
		loadManager: cfg.LoadManager,
		receiver:    cfg.Receiver,
		grace:       cfg.GraceWindow,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
}

// Process opens a session, observes inbound traffic for the grace window,
// sends req and closes the session. Session failures are returned as
// *FatalError; anything else only concerns req.
func (p *Processor) Process(ctx context.Context, req domain.OutboundRequest) error {
	defer metrics.RequestTime.ObserveSince(time.Now())

	sess, err := p.open(ctx)
	if err != nil {
		return err
	}
	defer sess.close(p.logger)

	dest, err := domain.ParseAccountID(req.Destination)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}

	timestamp := uint64(p.now().UnixMilli())

	stop := p.observe(ctx, sess)
	defer stop()

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	start := time.Now()
	if err := sess.manager.SendMessage(ctx, dest, req.Body, timestamp); err != nil {
		return fmt.Errorf("cannot send message to %s: %w", dest, err)
	}
	metrics.SendLatency.ObserveSince(start)
	p.logger.Debug("message sent", "destination", dest, "timestamp", timestamp)
	return nil
}

// Listen opens a session and runs the receive loop until ctx ends.
func (p *Processor) Listen(ctx context.Context) error {
	if p.receiver == nil {
		return fmt.Errorf("cannot listen: no receiver configured")
	}
	sess, err := p.open(ctx)
	if err != nil {
		return err
	}
	defer sess.close(p.logger)

	p.receiver.Run(ctx, sess.manager)
	return ctx.Err()
}

// WithSession opens a session, hands it to fn and closes it afterwards.
func (p *Processor) WithSession(ctx context.Context, fn func(ctx context.Context, store domain.SessionStore, manager domain.ProtocolManager) error) error {
	sess, err := p.open(ctx)
	if err != nil {
		return err
	}
	defer sess.close(p.logger)
	return fn(ctx, sess.store, sess.manager)
}

// observe starts the receive loop for sess. The returned func cancels the
// loop and waits for it to finish the item in hand.
func (p *Processor) observe(ctx context.Context, sess *session) func() {
	if p.receiver == nil {
		return func() {}
	}
	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.receiver.Run(loopCtx, sess.manager)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

type session struct {
	store   domain.SessionStore
	manager domain.ProtocolManager
}

func (p *Processor) open(ctx context.Context) (*session, error) {
	store, err := p.openStore(ctx, p.session.StorePath, p.session.Passphrase)
	if err != nil {
		return nil, &FatalError{Op: "open session store", Err: err}
	}
	manager, err := p.loadManager(ctx, store)
	if err != nil {
		if cerr := store.Close(); cerr != nil {
			p.logger.Warn("cannot close session store", "error", cerr)
		}
		return nil, &FatalError{Op: "load registered manager", Err: err}
	}
	metrics.SessionsOpen.Inc()
	return &session{store: store, manager: manager}, nil
}

func (s *session) close(logger *slog.Logger) {
	if err := s.manager.Close(); err != nil {
		logger.Warn("cannot close protocol manager", "error", err)
	}
	if err := s.store.Close(); err != nil {
		logger.Warn("cannot close session store", "error", err)
	}
	metrics.SessionsOpen.Dec()
}
