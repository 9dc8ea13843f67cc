package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keySize     = 32
	saltSize    = 16
	sealVersion = byte(0x01)

	metaEncryption = "encryption"
	metaSalt       = "kdf_salt"
	metaVerifier   = "verifier"

	encryptionNone = "none"
	encryptionXC20 = "xchacha20poly1305-argon2id"
)

var (
	ErrBadPassphrase      = errors.New("wrong passphrase for session store")
	ErrPassphraseRequired = errors.New("session store is encrypted, passphrase required")
)

// Argon2id parameters. Tests lower kdfMemory to keep the suite fast.
var (
	kdfTime    uint32 = 1
	kdfMemory  uint32 = 64 * 1024
	kdfThreads uint8  = 4
)

var verifierPlaintext = []byte("sigrelay session store")

// sealer encrypts stored payloads. A sealer without aead stores plaintext.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(passphrase string, salt []byte) (*sealer, error) {
	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, keySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cannot create XChaCha20-Poly1305 cipher: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) encrypted() bool { return s.aead != nil }

// seal returns version || nonce || ciphertext. aad binds the blob to the row
// it is stored in.
func (s *sealer) seal(plaintext, aad []byte) ([]byte, error) {
	if s.aead == nil {
		return plaintext, nil
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cannot generate nonce: %w", err)
	}
	out := make([]byte, 1, 1+len(nonce)+len(plaintext)+s.aead.Overhead())
	out[0] = sealVersion
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, append([]byte{sealVersion}, aad...)), nil
}

func (s *sealer) open(blob, aad []byte) ([]byte, error) {
	if s.aead == nil {
		return blob, nil
	}
	if len(blob) < 1+chacha20poly1305.NonceSizeX+s.aead.Overhead() {
		return nil, fmt.Errorf("sealed payload is %d bytes, too short", len(blob))
	}
	if blob[0] != sealVersion {
		return nil, fmt.Errorf("sealed payload version %d is not supported", blob[0])
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := s.aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], append([]byte{sealVersion}, aad...))
	if err != nil {
		return nil, fmt.Errorf("cannot open sealed payload: %w", err)
	}
	return plaintext, nil
}

// unlock sets up payload sealing for the store. A fresh store is initialised
// with the given passphrase, or left in plaintext when it is empty.
func (s *SQLiteStore) unlock(ctx context.Context, passphrase string) error {
	mode, err := s.meta(ctx, metaEncryption)
	if err != nil {
		return err
	}

	switch string(mode) {
	case "":
		return s.initEncryption(ctx, passphrase)
	case encryptionNone:
		if passphrase != "" {
			return fmt.Errorf("%w: store was created without a passphrase", ErrBadPassphrase)
		}
		s.sealer = &sealer{}
		return nil
	case encryptionXC20:
		if passphrase == "" {
			return ErrPassphraseRequired
		}
		salt, err := s.meta(ctx, metaSalt)
		if err != nil {
			return err
		}
		verifier, err := s.meta(ctx, metaVerifier)
		if err != nil {
			return err
		}
		sl, err := newSealer(passphrase, salt)
		if err != nil {
			return err
		}
		if _, err := sl.open(verifier, []byte(metaVerifier)); err != nil {
			return ErrBadPassphrase
		}
		s.sealer = sl
		return nil
	default:
		return fmt.Errorf("unsupported store encryption %q", mode)
	}
}

func (s *SQLiteStore) initEncryption(ctx context.Context, passphrase string) error {
	if passphrase == "" {
		s.sealer = &sealer{}
		return s.setMeta(ctx, metaEncryption, []byte(encryptionNone))
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("cannot generate salt: %w", err)
	}
	sl, err := newSealer(passphrase, salt)
	if err != nil {
		return err
	}
	verifier, err := sl.seal(verifierPlaintext, []byte(metaVerifier))
	if err != nil {
		return err
	}

	// The mode row goes last so a store is never marked encrypted without
	// its salt and verifier.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, row := range []struct {
		key   string
		value []byte
	}{
		{metaSalt, salt},
		{metaVerifier, verifier},
		{metaEncryption, []byte(encryptionXC20)},
	} {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (name, value) VALUES (?, ?)`, row.key, row.value); err != nil {
			return fmt.Errorf("cannot write meta %s: %w", row.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cannot commit encryption settings: %w", err)
	}
	s.sealer = sl
	return nil
}
