package store

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigrelay/internal/domain"
)

var (
	alice = domain.MustParseAccountID("11111111-1111-1111-1111-111111111111")
	bob   = domain.MustParseAccountID("22222222-2222-2222-2222-222222222222")
)

func TestMain(m *testing.M) {
	kdfMemory = 1024
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openTestStore(t *testing.T, path, passphrase string) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), path, passphrase, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegistration(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "store.db"), "")

	reg, err := s.Registration(ctx)
	require.NoError(t, err)
	assert.Nil(t, reg)

	require.NoError(t, s.SaveRegistration(ctx, domain.Registration{Number: "+15550001111", ID: alice}))
	reg, err = s.Registration(ctx)
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, "+15550001111", reg.Number)
	assert.Equal(t, alice, reg.ID)
	assert.Equal(t, 1, reg.DeviceID)
	assert.False(t, reg.RegisteredAt.IsZero())
}

func TestContactsAndGroups(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "store.db"), "")

	require.NoError(t, s.SaveContact(ctx, domain.Contact{ID: bob, Name: "Bob", Number: "+1555"}))
	require.NoError(t, s.SaveContact(ctx, domain.Contact{ID: alice, Name: "Alice"}))
	require.NoError(t, s.SaveContact(ctx, domain.Contact{ID: alice, Name: "Alice A."}))

	c, err := s.Contact(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Alice A.", c.Name)

	missing, err := s.Contact(ctx, domain.MustParseAccountID("33333333-3333-3333-3333-333333333333"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	contacts, err := s.Contacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "Alice A.", contacts[0].Name)

	require.NoError(t, s.SaveGroup(ctx, domain.Group{Key: "Zm9v", Title: "Climbers", Members: []domain.AccountID{alice, bob}}))
	g, err := s.Group(ctx, "Zm9v")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "Climbers", g.Title)
	assert.Equal(t, []domain.AccountID{alice, bob}, g.Members)

	g, err = s.Group(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, g)

	groups, err := s.Groups(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestMessages(t *testing.T) {
	for _, passphrase := range []string{"", "correct horse"} {
		name := "plaintext"
		if passphrase != "" {
			name = "encrypted"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := openTestStore(t, filepath.Join(t.TempDir(), "store.db"), passphrase)
			thread := domain.ContactThread(alice)

			data := domain.Content{Sender: alice, Timestamp: 1000, Body: &domain.DataMessage{
				Body:        "ok",
				Quote:       &domain.Quote{ID: 900, Author: bob, Text: "ready?"},
				Attachments: []domain.AttachmentPointer{{ID: "a1", ContentType: "image/png"}},
			}}
			sent := domain.Content{Sender: bob, Timestamp: 2000, Body: &domain.SyncMessage{Sent: &domain.SentMessage{
				Destination: alice, Timestamp: 2000, Message: &domain.DataMessage{Body: "mine"},
			}}}
			require.NoError(t, s.SaveMessage(ctx, thread, data))
			require.NoError(t, s.SaveMessage(ctx, thread, sent))

			got, err := s.Message(ctx, thread, 1000)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, data, *got)

			got, err = s.Message(ctx, thread, 2000)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, sent, *got)

			got, err = s.Message(ctx, thread, 3000)
			require.NoError(t, err)
			assert.Nil(t, got)

			got, err = s.Message(ctx, domain.ContactThread(bob), 1000)
			require.NoError(t, err)
			assert.Nil(t, got, "lookups are scoped to the thread")

			all, err := s.Messages(ctx, thread, 0, 0)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			recent, err := s.Messages(ctx, thread, 1500, 10)
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, uint64(2000), recent[0].Timestamp)

			st, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, st.Messages)
			assert.Equal(t, passphrase != "", st.Encrypted)
			assert.Equal(t, schemaVersion, st.SchemaVersion)
		})
	}
}

func TestSaveMessage_RejectsUnstorableContent(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "store.db"), "")
	err := s.SaveMessage(context.Background(), domain.ContactThread(alice), domain.Content{Sender: alice, Body: &domain.TypingMessage{}})
	assert.Error(t, err)
}

func TestPassphrase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := Open(ctx, path, "secret", testLogger())
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(ctx, domain.ContactThread(alice), domain.Content{Sender: alice, Timestamp: 1, Body: &domain.DataMessage{Body: "hidden"}}))
	require.NoError(t, s.Close())

	_, err = Open(ctx, path, "wrong", testLogger())
	assert.ErrorIs(t, err, ErrBadPassphrase)

	_, err = Open(ctx, path, "", testLogger())
	assert.ErrorIs(t, err, ErrPassphraseRequired)

	s, err = Open(ctx, path, "secret", testLogger())
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Message(ctx, domain.ContactThread(alice), 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hidden", domain.DataMessageOf(*got).Body)
}

func TestPassphrase_PlaintextStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := Open(ctx, path, "", testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, path, "late passphrase", testLogger())
	assert.ErrorIs(t, err, ErrBadPassphrase)
}

func TestPassphrase_InterruptedSetupLeavesStoreFresh(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, RunMigrations(ctx, db, testLogger()))
	_, err = db.ExecContext(ctx, `CREATE TRIGGER fail_verifier BEFORE INSERT ON meta
		WHEN NEW.name = 'verifier' BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(ctx, path, "secret", testLogger())
	require.Error(t, err)

	db, err = sql.Open("sqlite", path)
	require.NoError(t, err)
	var rows int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM meta`).Scan(&rows))
	assert.Zero(t, rows, "a failed setup must not leave partial encryption settings")
	_, err = db.ExecContext(ctx, `DROP TRIGGER fail_verifier`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(ctx, path, "secret", testLogger())
	require.NoError(t, err)
	defer s.Close()
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, st.Encrypted)
}

func TestOpen_ExclusiveAccess(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	first, err := Open(ctx, path, "", testLogger())
	require.NoError(t, err)

	_, err = Open(ctx, path, "", testLogger())
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Close())
	second, err := Open(ctx, path, "", testLogger())
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestHold(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	release, err := Hold(path)
	require.NoError(t, err)
	_, err = Open(ctx, path, "", testLogger())
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, release())

	s, err := Open(ctx, path, "", testLogger())
	require.NoError(t, err)
	_, err = Hold(path)
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, s.Close())
}

func TestRunMigrations_Idempotent(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RunMigrations(ctx, db, testLogger()))
	require.NoError(t, RunMigrations(ctx, db, testLogger()))

	version, err := GetSchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)

	for _, table := range []string{"meta", "registration", "contacts", "signal_groups", "messages", "schema_version"} {
		var name string
		err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, table)
	}
}
