package main

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"sigrelay/internal/config"
	"sigrelay/internal/store"

	"filippo.io/age"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"
)

const (
	backupPassphraseEnv = "SIGRELAY_BACKUP_PASSPHRASE"
	ageHeader           = "age-encryption.org/v1"

	archiveStore  = "store.db"
	archiveConfig = "config"
)

// backupWorkFactor is the scrypt cost of encrypted backups.
var backupWorkFactor = 18

func backupCmd() *cobra.Command {
	var outputPath string
	var encrypt bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of the session store and config",
		Long: `Creates a compressed .tar.gz archive containing the session store and
the configuration file. With --encrypt the archive is additionally
encrypted with the passphrase from ` + backupPassphraseEnv + `.
The relayer must be stopped while the backup runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			secret, err := backupPassphrase(encrypt)
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ext := ".tar.gz"
				if encrypt {
					ext += ".age"
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, "sigrelay-backup-"+ts+ext)
			}

			release, err := store.Hold(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("cannot lock session store: %w", err)
			}
			defer release()

			files := backupFiles(cfg.Store.Path, cfgPath)
			if len(files) == 0 {
				return fmt.Errorf("no files to backup (store: %s, config: %s)", cfg.Store.Path, cfgPath)
			}
			if err := createBackup(outputPath, files, secret); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for _, name := range slices.Sorted(maps.Keys(files)) {
				path := files[name]
				var size uint64
				if info, err := os.Stat(path); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  - %s (%s)\n", name, humanize.Bytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.sigrelay/backups/sigrelay-backup-<timestamp>.tar.gz)")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt the archive with age (passphrase from "+backupPassphraseEnv+")")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file]",
		Short: "Restore the session store and config from a backup archive",
		Long: `Restores the session store and configuration file from an archive
created by 'sigrelay backup'. Encrypted archives are detected and
decrypted with the passphrase from ` + backupPassphraseEnv + `.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: sigrelay restore <file.tar.gz>")
			}

			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if !force {
				existing := false
				for _, p := range []string{cfg.Store.Path, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						existing = true
					}
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Store:  %s\n", cfg.Store.Path)
					fmt.Printf("  Config: %s\n", cfgPath)
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			release, err := store.Hold(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("cannot lock session store: %w", err)
			}
			defer release()

			restored, err := extractBackup(inputPath, cfg.Store.Path, cfgPath, os.Getenv(backupPassphraseEnv))
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

func backupPassphrase(encrypt bool) (string, error) {
	if !encrypt {
		return "", nil
	}
	secret := os.Getenv(backupPassphraseEnv)
	if secret == "" {
		return "", fmt.Errorf("--encrypt needs a passphrase in %s", backupPassphraseEnv)
	}
	return secret, nil
}

// backupFiles maps archive entry names to the existing files they hold.
func backupFiles(dbPath, cfgPath string) map[string]string {
	files := make(map[string]string)
	if _, err := os.Stat(dbPath); err == nil {
		files[archiveStore] = dbPath
		for _, suffix := range []string{"-wal", "-shm"} {
			if _, err := os.Stat(dbPath + suffix); err == nil {
				files[archiveStore+suffix] = dbPath + suffix
			}
		}
	}
	if _, err := os.Stat(cfgPath); err == nil {
		files[archiveConfig+filepath.Ext(cfgPath)] = cfgPath
	}
	return files
}

// createBackup writes files as a .tar.gz, age encrypted when passphrase is
// set.
func createBackup(outputPath string, files map[string]string, passphrase string) (err error) {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := outFile.Close(); err == nil {
			err = cerr
		}
	}()

	var w io.WriteCloser = nopWriteCloser{outFile}
	if passphrase != "" {
		recipient, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return err
		}
		recipient.SetWorkFactor(backupWorkFactor)
		if w, err = age.Encrypt(outFile, recipient); err != nil {
			return fmt.Errorf("cannot encrypt: %w", err)
		}
	}

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)
	// Sorted, so the database precedes its side files.
	for _, name := range slices.Sorted(maps.Keys(files)) {
		path := files[name]
		if err := addFileToTar(tarWriter, path, name); err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return w.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func addFileToTar(tw *tar.Writer, filePath, name string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// extractBackup restores the entries of a backup archive to the store and
// config paths. Unknown entries are skipped.
func extractBackup(archivePath, dbPath, cfgPath, passphrase string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	if head, _ := r.(*bufio.Reader).Peek(len(ageHeader)); string(head) == ageHeader {
		if passphrase == "" {
			return nil, fmt.Errorf("archive is encrypted, set %s", backupPassphraseEnv)
		}
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, err
		}
		if r, err = age.Decrypt(r, identity); err != nil {
			return nil, fmt.Errorf("cannot decrypt: %w", err)
		}
	}

	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		var targetPath string
		switch name := header.Name; {
		case name == archiveStore:
			targetPath = dbPath
			// Side files of the replaced database must not survive it.
			os.Remove(dbPath + "-wal")
			os.Remove(dbPath + "-shm")
		case strings.HasPrefix(name, archiveStore+"-"):
			targetPath = dbPath + strings.TrimPrefix(name, archiveStore)
		case strings.HasPrefix(name, archiveConfig+"."):
			targetPath = cfgPath
		default:
			logger.Warn("skipping unknown backup entry", "name", name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil {
			return nil, err
		}
		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		restored = append(restored, targetPath)
	}

	return restored, nil
}
