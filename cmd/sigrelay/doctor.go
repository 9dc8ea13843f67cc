package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"

	"sigrelay/internal/config"
	"sigrelay/internal/signalcli"
	"sigrelay/internal/store"

	"github.com/spf13/cobra"
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

// checkReport counts the outcome of the doctor checks.
type checkReport struct {
	passed, warned, failed int
}

func (r *checkReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  %s %-20s %s\n", passStyle.Render("[PASS]"), check, detail)
}

func (r *checkReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  %s %-20s %s\n", warnStyle.Render("[WARN]"), check, detail)
}

func (r *checkReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  %s %-20s %s\n", failStyle.Render("[FAIL]"), check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your sigrelay installation",
		Long: `Verifies the configuration, the session store, the gateway and the
local directories sigrelay needs. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Println(titleStyle.Render(fmt.Sprintf("sigrelay doctor v%s", version)))
			fmt.Printf("%s\n\n", rule)

			var r checkReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			cfg, err := loadConfig()
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.Gateway.Timeout())
			defer cancel()

			number := checkStore(ctx, &r, cfg)
			checkGateway(ctx, &r, cfg, number)

			if err := checkPort(cfg.API.Addr()); err != nil {
				r.warn("API port", fmt.Sprintf("%s may be in use: %v", cfg.API.Addr(), err))
			} else {
				r.pass("API port", cfg.API.Addr()+" available")
			}

			if cfg.Attachments.Dir == "" {
				r.pass("Attachments", "temporary directory per run")
			} else if err := checkWritableDir(cfg.Attachments.Dir); err != nil {
				r.fail("Attachments", err.Error())
			} else {
				r.pass("Attachments", cfg.Attachments.Dir)
			}

			if cfg.Logging.File != "" {
				if err := checkWritableDir(filepath.Dir(cfg.Logging.File)); err != nil {
					r.warn("Log file", err.Error())
				} else {
					r.pass("Log file", cfg.Logging.File)
				}
			}

			return r.summary()
		},
	}
}

// checkStore opens the session store and returns the registered number.
func checkStore(ctx context.Context, r *checkReport, cfg *config.Config) string {
	s, err := store.Open(ctx, cfg.Store.Path, cfg.Store.Passphrase, logger)
	switch {
	case errors.Is(err, store.ErrLocked):
		r.warn("Session store", "in use by another sigrelay process")
		return ""
	case err != nil:
		r.fail("Session store", err.Error())
		return ""
	}
	defer s.Close()

	st, err := s.Stats(ctx)
	if err != nil {
		r.fail("Session store", err.Error())
		return ""
	}
	mode := "plaintext"
	if st.Encrypted {
		mode = "encrypted"
	}
	r.pass("Session store", fmt.Sprintf("%s (schema v%d, %s)", cfg.Store.Path, st.SchemaVersion, mode))

	reg, err := s.Registration(ctx)
	if err != nil {
		r.fail("Registration", err.Error())
		return ""
	}
	if reg == nil {
		r.fail("Registration", "none, run 'sigrelay register --number <+E164>'")
		return ""
	}
	r.pass("Registration", fmt.Sprintf("%s (%s)", reg.Number, reg.ID))
	return reg.Number
}

func checkGateway(ctx context.Context, r *checkReport, cfg *config.Config, number string) {
	client, err := signalcli.NewClient(signalcli.ClientConfig{BaseURL: cfg.Gateway.URL, Timeout: cfg.Gateway.Timeout(), Logger: logger})
	if err != nil {
		r.fail("Gateway", err.Error())
		return
	}
	defer client.CloseIdleConnections()

	start := time.Now()
	about, err := client.About(ctx)
	if err != nil {
		r.fail("Gateway", fmt.Sprintf("%s unreachable: %v", cfg.Gateway.URL, err))
		return
	}
	r.pass("Gateway", fmt.Sprintf("%s (%s mode, %s)", cfg.Gateway.URL, about.Mode, time.Since(start).Round(time.Millisecond)))
	if about.Mode != "" && about.Mode != "json-rpc" {
		r.warn("Gateway mode", about.Mode+" mode does not stream messages, use json-rpc")
	}

	if number == "" {
		return
	}
	accounts, err := client.Accounts(ctx)
	if err != nil {
		r.warn("Gateway account", err.Error())
		return
	}
	if !slices.Contains(accounts, number) {
		r.fail("Gateway account", number+" is not linked in the gateway")
		return
	}
	r.pass("Gateway account", number+" linked")
}

func (r *checkReport) summary() error {
	fmt.Printf("\n%s\n", rule)
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running sigrelay.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nsigrelay should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! sigrelay is ready to run.\n")
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("%s not writable: %w", dir, err)
	}
	f.Close()
	return os.Remove(f.Name())
}
