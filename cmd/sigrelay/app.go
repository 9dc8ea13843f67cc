package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"sigrelay/internal/attachment"
	"sigrelay/internal/bus"
	"sigrelay/internal/config"
	"sigrelay/internal/domain"
	"sigrelay/internal/notify"
	"sigrelay/internal/relay"
	"sigrelay/internal/signalcli"
	"sigrelay/internal/store"
)

const eventHistory = 200

// app wires the components shared by the commands.
type app struct {
	cfg     *config.Config
	client  *signalcli.Client
	feed    *bus.EventFeed
	closers []func() error
}

func newApp(cfg *config.Config) (*app, error) {
	client, err := signalcli.NewClient(signalcli.ClientConfig{
		BaseURL: cfg.Gateway.URL,
		Timeout: cfg.Gateway.Timeout(),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, client: client, feed: bus.NewEventFeed(eventHistory, logger)}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("cleanup failed", "err", err)
		}
	}
}

func (a *app) openStore(ctx context.Context, path, passphrase string) (domain.SessionStore, error) {
	s, err := store.Open(ctx, path, passphrase, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *app) loadManager(ctx context.Context, s domain.SessionStore) (domain.ProtocolManager, error) {
	m, err := signalcli.LoadRegistered(ctx, s, a.client, logger)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// subscribeNotifiers attaches every configured sink to the event feed.
func (a *app) subscribeNotifiers(desktop bool) error {
	n := a.cfg.Notify
	if n.Console {
		a.feed.Subscribe("console", notify.NewConsole(os.Stdout, a.cfg.Logging.Color))
	}
	if n.Desktop || desktop {
		a.feed.Subscribe("desktop", notify.NewDesktop())
	}
	if n.Telegram.Enabled {
		tg, err := notify.NewTelegram(notify.TelegramConfig{Token: n.Telegram.Token, ChatID: n.Telegram.ChatID})
		if err != nil {
			return err
		}
		a.feed.Subscribe("telegram", tg)
	}
	if n.Discord.Enabled {
		d, err := notify.NewDiscord(n.Discord.WebhookURL)
		if err != nil {
			return err
		}
		a.feed.Subscribe("discord", d)
	}
	if n.Slack.Enabled {
		s, err := notify.NewSlack(n.Slack.WebhookURL)
		if err != nil {
			return err
		}
		a.feed.Subscribe("slack", s)
	}
	if n.Redis.Enabled {
		r, err := notify.NewRedis(n.Redis.URL, n.Redis.Channel)
		if err != nil {
			return err
		}
		a.feed.Subscribe("redis", r)
		a.closers = append(a.closers, r.Close)
	}
	return nil
}

func (a *app) receiver(desktop bool) (*relay.Receiver, error) {
	if err := a.subscribeNotifiers(desktop); err != nil {
		return nil, err
	}
	fetcher, err := attachment.New(attachment.Config{Dir: a.cfg.Attachments.Dir, Logger: logger})
	if err != nil {
		return nil, err
	}
	logger.Debug("attachments directory", "dir", fetcher.Dir())
	return relay.NewReceiver(relay.ReceiverConfig{
		Notifier: a.feed,
		Fetcher:  fetcher,
		Logger:   logger,
	}), nil
}

func (a *app) processor(receiver *relay.Receiver) *relay.Processor {
	return relay.NewProcessor(relay.ProcessorConfig{
		Session: relay.SessionConfig{
			StorePath:  a.cfg.Store.Path,
			Passphrase: a.cfg.Store.Passphrase,
		},
		OpenStore:   a.openStore,
		LoadManager: a.loadManager,
		Receiver:    receiver,
		GraceWindow: a.cfg.Relay.GraceWindow(),
		Logger:      logger,
	})
}

// gatewayManager unwraps the manager handed out by a processor session.
func gatewayManager(m domain.ProtocolManager) (*signalcli.Manager, error) {
	gm, ok := m.(*signalcli.Manager)
	if !ok {
		return nil, fmt.Errorf("unexpected protocol manager %T", m)
	}
	return gm, nil
}

// ignoreCanceled maps an interrupted run to a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
