package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sigrelay/internal/domain"
	"sigrelay/internal/signalcli"
	"sigrelay/internal/store"

	"github.com/spf13/cobra"
)

func registerCmd() *cobra.Command {
	var number, id string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Bind the session store to an account linked in the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if number == "" {
				return fmt.Errorf("--number is required")
			}
			var accountID domain.AccountID
			if id != "" {
				parsed, err := domain.ParseAccountID(id)
				if err != nil {
					return err
				}
				accountID = parsed
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			s, err := store.Open(ctx, cfg.Store.Path, cfg.Store.Passphrase, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			reg, err := signalcli.Register(ctx, s, a.client, number, accountID, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("Registered %s as %s (device %d)\n", reg.Number, reg.ID, reg.DeviceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&number, "number", "", "account phone number in E.164 form")
	cmd.Flags().StringVar(&id, "uuid", "", "account id (looked up in the gateway when empty)")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the registered account and the gateway it talks to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.processor(nil).WithSession(cmd.Context(), func(ctx context.Context, _ domain.SessionStore, m domain.ProtocolManager) error {
				gm, err := gatewayManager(m)
				if err != nil {
					return err
				}
				reg := gm.Registration()
				fmt.Printf("Number:     %s\n", reg.Number)
				fmt.Printf("Account:    %s\n", reg.ID)
				fmt.Printf("Device:     %d\n", reg.DeviceID)
				fmt.Printf("Registered: %s\n", reg.RegisteredAt.Local().Format(time.RFC1123))

				about, err := a.client.About(ctx)
				if err != nil {
					fmt.Printf("Gateway:    %s (unreachable: %v)\n", cfg.Gateway.URL, err)
					return nil
				}
				fmt.Printf("Gateway:    %s (signal-cli %s, %s mode)\n", cfg.Gateway.URL, about.Version, about.Mode)
				return nil
			})
		},
	}
}

func sendCmd() *cobra.Command {
	var to, group string
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message right away, bypassing the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (to == "") == (group == "") {
				return fmt.Errorf("exactly one of --uuid or --group is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if to != "" {
				receiver, err := a.receiver(false)
				if err != nil {
					return err
				}
				if err := a.processor(receiver).Process(ctx, domain.OutboundRequest{Destination: to, Body: args[0]}); err != nil {
					return err
				}
				fmt.Println("Message sent.")
				return nil
			}

			return a.processor(nil).WithSession(ctx, func(ctx context.Context, _ domain.SessionStore, m domain.ProtocolManager) error {
				gm, err := gatewayManager(m)
				if err != nil {
					return err
				}
				if err := gm.SendGroupMessage(ctx, domain.GroupKey(group), args[0], uint64(time.Now().UnixMilli())); err != nil {
					return err
				}
				fmt.Println("Message sent.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "uuid", "", "recipient account id")
	cmd.Flags().StringVar(&group, "group", "", "recipient group key")
	return cmd
}

func receiveCmd() *cobra.Command {
	var desktop bool
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Print incoming events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			receiver, err := a.receiver(desktop)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("receiving. Press Ctrl+C to stop.")
			return ignoreCanceled(a.processor(receiver).Listen(ctx))
		},
	}
	cmd.Flags().BoolVar(&desktop, "notifications", false, "also raise desktop notifications for received messages")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh contacts and groups from the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.processor(nil).WithSession(cmd.Context(), func(ctx context.Context, _ domain.SessionStore, m domain.ProtocolManager) error {
				gm, err := gatewayManager(m)
				if err != nil {
					return err
				}
				contacts, err := gm.SyncContacts(ctx)
				if err != nil {
					return err
				}
				groups, err := gm.SyncGroups(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Synced %d contacts and %d groups.\n", contacts, groups)
				return nil
			})
		},
	}
}
