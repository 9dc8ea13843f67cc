package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"sigrelay/internal/config"
	"sigrelay/internal/logging"

	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     = slog.Default()
	configPath string // overridable via --config flag
	dbPath     string
	passphrase string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var closeLog func() error

	root := &cobra.Command{
		Use:   "sigrelay",
		Short: "Signal relay: queue outbound messages and watch incoming ones",
		Long: `sigrelay accepts outbound Signal messages over HTTP, sends them one at a
time through a signal-cli REST gateway and prints every incoming event it
observes while a session is open.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts := logging.Options{Level: "info", Color: true}
			if cfg, err := loadConfig(); err == nil {
				opts = logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File, Color: cfg.Logging.Color}
			}
			l, closer, err := logging.New(opts)
			if err != nil {
				return err
			}
			logger, closeLog = l, closer
			slog.SetDefault(logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if closeLog != nil {
				closeLog()
			}
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.sigrelay/config.json)")
	root.PersistentFlags().StringVarP(&dbPath, "db-path", "d", "", "session store path (overrides store.path)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "session store passphrase (overrides store.passphrase)")

	root.AddCommand(initCmd())
	root.AddCommand(relayerCmd())
	root.AddCommand(registerCmd())
	root.AddCommand(whoamiCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(receiveCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(listContactsCmd())
	root.AddCommand(listGroupsCmd())
	root.AddCommand(listMessagesCmd())
	root.AddCommand(getContactCmd())
	root.AddCommand(findContactCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(daemonCmd())
	return root
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file (defaults when absent) and applies the
// global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Store.Path = config.ExpandPath(dbPath)
	}
	if passphrase != "" {
		cfg.Store.Passphrase = passphrase
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "store", config.ExpandPath(cfg.Store.Path))
			fmt.Println("Next: start a signal-cli REST gateway, then run 'sigrelay register --number <+E164>'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. gateway.url)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. relay.graceWindowMs 4000)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
