// Package store is the SQLite backed session store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sigrelay/internal/domain"
)

// ErrLocked is returned when another process holds the store.
var ErrLocked = errors.New("session store is locked by another process")

// SQLiteStore implements domain.SessionStore. Only one SQLiteStore may be
// open per path at a time; Open enforces this with a lock file.
type SQLiteStore struct {
	db     *sql.DB
	lock   *os.File
	sealer *sealer
	path   string
	logger *slog.Logger
}

var _ domain.SessionStore = (*SQLiteStore)(nil)

// Open opens or creates the store at dbPath.
func Open(ctx context.Context, dbPath, passphrase string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create store directory %s: %w", dir, err)
	}

	lock, err := lockFile(dbPath + ".lock")
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		unlockFile(lock)
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, lock: lock, path: dbPath, logger: logger}

	if err := RunMigrations(ctx, db, logger); err != nil {
		s.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	if err := s.unlock(ctx, passphrase); err != nil {
		s.Close()
		return nil, err
	}

	logger.Debug("session store opened", "path", dbPath, "encrypted", s.sealer.encrypted())
	return s, nil
}

// Hold takes the store lock without opening the database, for file level
// operations such as backups. It fails with ErrLocked while the store is open.
func Hold(dbPath string) (release func() error, err error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("cannot create store directory: %w", err)
	}
	f, err := lockFile(dbPath + ".lock")
	if err != nil {
		return nil, err
	}
	return func() error { return unlockFile(f) }, nil
}

// Path is the database file the store was opened from.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		if lerr := unlockFile(s.lock); lerr != nil && err == nil {
			err = lerr
		}
		s.lock = nil
	}
	return err
}

func (s *SQLiteStore) meta(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read meta %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) setMeta(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta (name, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("cannot write meta %s: %w", key, err)
	}
	return nil
}

// --- Registration ---

func (s *SQLiteStore) Registration(ctx context.Context) (*domain.Registration, error) {
	var (
		reg domain.Registration
		id  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT number, account_id, device_id, registered_at FROM registration WHERE id = 1`,
	).Scan(&reg.Number, &id, &reg.DeviceID, &reg.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read registration: %w", err)
	}
	if reg.ID, err = domain.ParseAccountID(id); err != nil {
		return nil, fmt.Errorf("corrupt registration: %w", err)
	}
	return &reg, nil
}

func (s *SQLiteStore) SaveRegistration(ctx context.Context, reg domain.Registration) error {
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = time.Now()
	}
	if reg.DeviceID == 0 {
		reg.DeviceID = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO registration (id, number, account_id, device_id, registered_at)
		 VALUES (1, ?, ?, ?, ?)`,
		reg.Number, reg.ID.String(), reg.DeviceID, reg.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("cannot save registration: %w", err)
	}
	return nil
}

// --- Contacts ---

func (s *SQLiteStore) Contact(ctx context.Context, id domain.AccountID) (*domain.Contact, error) {
	c := domain.Contact{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, number FROM contacts WHERE id = ?`, id.String(),
	).Scan(&c.Name, &c.Number)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read contact: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) Contacts(ctx context.Context) ([]domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, number FROM contacts ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("cannot list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []domain.Contact
	for rows.Next() {
		var (
			c  domain.Contact
			id string
		)
		if err := rows.Scan(&id, &c.Name, &c.Number); err != nil {
			return nil, err
		}
		if c.ID, err = domain.ParseAccountID(id); err != nil {
			s.logger.Warn("skipping contact with invalid id", "id", id)
			continue
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (s *SQLiteStore) SaveContact(ctx context.Context, c domain.Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO contacts (id, name, number, updated_at) VALUES (?, ?, ?, ?)`,
		c.ID.String(), c.Name, c.Number, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("cannot save contact: %w", err)
	}
	return nil
}

// --- Groups ---

func (s *SQLiteStore) Group(ctx context.Context, key domain.GroupKey) (*domain.Group, error) {
	g := domain.Group{Key: key}
	var members []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT title, description, members FROM signal_groups WHERE group_key = ?`, string(key),
	).Scan(&g.Title, &g.Description, &members)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read group: %w", err)
	}
	if g.Members, err = decodeMembers(members); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *SQLiteStore) Groups(ctx context.Context) ([]domain.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_key, title, description, members FROM signal_groups ORDER BY title, group_key`)
	if err != nil {
		return nil, fmt.Errorf("cannot list groups: %w", err)
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		var (
			g       domain.Group
			key     string
			members []byte
		)
		if err := rows.Scan(&key, &g.Title, &g.Description, &members); err != nil {
			return nil, err
		}
		g.Key = domain.GroupKey(key)
		if g.Members, err = decodeMembers(members); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) SaveGroup(ctx context.Context, g domain.Group) error {
	members, err := encodeMembers(g.Members)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO signal_groups (group_key, title, description, members, updated_at) VALUES (?, ?, ?, ?, ?)`,
		string(g.Key), g.Title, g.Description, members, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("cannot save group: %w", err)
	}
	return nil
}

// --- Messages ---

func messageAAD(thread domain.Thread, timestamp uint64) []byte {
	return fmt.Appendf(nil, "%s#%d", thread.Key(), timestamp)
}

// SaveMessage stores a data message or sent transcript under thread. A
// message with the same thread and timestamp is replaced.
func (s *SQLiteStore) SaveMessage(ctx context.Context, thread domain.Thread, c domain.Content) error {
	kind, payload, err := encodeMessage(c)
	if err != nil {
		return err
	}
	sealed, err := s.sealer.seal(payload, messageAAD(thread, c.Timestamp))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (thread, timestamp, sender, kind, payload) VALUES (?, ?, ?, ?, ?)`,
		thread.Key(), int64(c.Timestamp), c.Sender.String(), kind, sealed,
	)
	if err != nil {
		return fmt.Errorf("cannot save message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Message(ctx context.Context, thread domain.Thread, timestamp uint64) (*domain.Content, error) {
	var (
		kind    string
		payload []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, payload FROM messages WHERE thread = ? AND timestamp = ?`,
		thread.Key(), int64(timestamp),
	).Scan(&kind, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read message: %w", err)
	}

	c, err := s.decode(thread, timestamp, kind, payload)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Messages lists messages of thread with a timestamp at or after from,
// oldest first. limit <= 0 means no limit.
func (s *SQLiteStore) Messages(ctx context.Context, thread domain.Thread, from uint64, limit int) ([]domain.Content, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, kind, payload FROM messages
		 WHERE thread = ? AND timestamp >= ?
		 ORDER BY timestamp ASC LIMIT ?`,
		thread.Key(), int64(from), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot list messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Content
	for rows.Next() {
		var (
			ts      int64
			kind    string
			payload []byte
		)
		if err := rows.Scan(&ts, &kind, &payload); err != nil {
			return nil, err
		}
		c, err := s.decode(thread, uint64(ts), kind, payload)
		if err != nil {
			return nil, err
		}
		messages = append(messages, c)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) decode(thread domain.Thread, timestamp uint64, kind string, payload []byte) (domain.Content, error) {
	plain, err := s.sealer.open(payload, messageAAD(thread, timestamp))
	if err != nil {
		return domain.Content{}, err
	}
	return decodeMessage(kind, plain)
}

// Stats summarises the store contents.
type Stats struct {
	Contacts      int
	Groups        int
	Messages      int
	SchemaVersion int
	Encrypted     bool
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Encrypted: s.sealer.encrypted()}
	for table, dst := range map[string]*int{
		"contacts":      &st.Contacts,
		"signal_groups": &st.Groups,
		"messages":      &st.Messages,
	} {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(dst); err != nil {
			return st, fmt.Errorf("cannot count %s: %w", table, err)
		}
	}
	version, err := GetSchemaVersion(ctx, s.db)
	if err != nil {
		return st, err
	}
	st.SchemaVersion = version
	return st, nil
}
