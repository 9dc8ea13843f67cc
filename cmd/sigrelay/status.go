package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"sigrelay/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session store and attachment usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			fmt.Println(titleStyle.Render("sigrelay " + version))
			field("Config", resolveConfigPath())
			field("Gateway", cfg.Gateway.URL)
			field("API", cfg.API.Addr())
			field("Store", fmt.Sprintf("%s (%s)", cfg.Store.Path, humanize.Bytes(storeSize(cfg.Store.Path))))

			s, err := store.Open(cmd.Context(), cfg.Store.Path, cfg.Store.Passphrase, logger)
			switch {
			case errors.Is(err, store.ErrLocked):
				field("Session", "in use by a running relayer")
			case err != nil:
				return err
			default:
				defer s.Close()
				st, err := s.Stats(cmd.Context())
				if err != nil {
					return err
				}
				reg, err := s.Registration(cmd.Context())
				if err != nil {
					return err
				}
				account := "not registered"
				if reg != nil {
					account = fmt.Sprintf("%s (%s), registered %s", reg.Number, reg.ID, humanize.Time(reg.RegisteredAt))
				}
				field("Account", account)
				field("Encrypted", fmt.Sprint(st.Encrypted))
				field("Contacts", humanize.Comma(int64(st.Contacts)))
				field("Groups", humanize.Comma(int64(st.Groups)))
				field("Messages", humanize.Comma(int64(st.Messages)))
			}

			if cfg.Attachments.Dir == "" {
				field("Attachments", "temporary directory per run")
				return nil
			}
			count, size := dirUsage(cfg.Attachments.Dir)
			field("Attachments", fmt.Sprintf("%s (%d files, %s)", cfg.Attachments.Dir, count, humanize.Bytes(size)))
			return nil
		},
	}
}

func field(label, value string) {
	fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
}

// storeSize is the size of the database and its WAL side files.
func storeSize(path string) uint64 {
	var total uint64
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if info, err := os.Stat(p); err == nil {
			total += uint64(info.Size())
		}
	}
	return total
}

func dirUsage(dir string) (files int, size uint64) {
	filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			files++
			size += uint64(info.Size())
		}
		return nil
	})
	return files, size
}
