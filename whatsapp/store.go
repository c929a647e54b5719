package whatsapp

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store/sqlstore"
	watypes "go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	// SQLite driver.
	_ "modernc.org/sqlite"

	"whatsapp-gateway/session"
	"whatsapp-gateway/utils"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const driver = "sqlite"

// SQLStore keeps whatsmeow devices and the account to device mapping in a
// single SQLite database.
type SQLStore struct {
	db        *sql.DB
	container *sqlstore.Container
	log       zerolog.Logger
}

var _ session.CredentialStore = (*SQLStore)(nil)

// OpenStore opens (creating if needed) the database at path and brings both
// schemas up to date.
func OpenStore(ctx context.Context, path string, log zerolog.Logger) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	var db *sql.DB
	retry := &utils.RetryConfig{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  25 * time.Second,
	}
	err := utils.WithRetry(ctx, func() error {
		var err error
		db, err = sql.Open(driver, sqliteDSN(path))
		if err != nil {
			return utils.Permanent(err)
		}
		if err = db.PingContext(ctx); err != nil {
			log.Warn().Err(err).Msg("Database connection attempt failed")
			_ = db.Close()
			return err
		}
		return nil
	}, retry)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	waLogger := waLog.Zerolog(log.With().Str("module", "sqlstore").Logger().Level(zerolog.WarnLevel))
	container := sqlstore.NewWithDB(db, driver, waLogger)
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade device store: %w", err)
	}

	return &SQLStore{db: db, container: container, log: log}, nil
}

func sqliteDSN(path string) string {
	values := url.Values{}
	values.Add("_pragma", "foreign_keys(1)")
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "synchronous(NORMAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	return fmt.Sprintf("file:%s?%s", path, values.Encode())
}

// Load returns the paired device of accountID, or a fresh unpaired one.
func (s *SQLStore) Load(ctx context.Context, accountID string) (session.Credentials, error) {
	jid, ok, err := s.lookup(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if ok {
		device, err := s.container.GetDevice(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("load device %s: %w", jid, err)
		}
		if device != nil {
			return &Credentials{Device: device}, nil
		}
		s.log.Info().Str("conta_id", accountID).Str("jid", jid.String()).Msg("Mapped device no longer stored, starting new pairing")
	}
	return &Credentials{Device: s.container.NewDevice()}, nil
}

// Save records which device belongs to accountID. The device itself is
// persisted by whatsmeow during pairing.
func (s *SQLStore) Save(ctx context.Context, accountID string, creds session.Credentials) error {
	wc, ok := creds.(*Credentials)
	if !ok || !wc.Registered() {
		return fmt.Errorf("account %s: credentials are not paired", accountID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_accounts (conta_id, jid, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (conta_id) DO UPDATE SET jid = excluded.jid, updated_at = excluded.updated_at`,
		accountID, wc.Device.ID.String(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save account %s: %w", accountID, err)
	}
	return nil
}

// Delete drops the device and mapping of accountID. Unknown accounts are
// not an error.
func (s *SQLStore) Delete(ctx context.Context, accountID string) error {
	jid, ok, err := s.lookup(ctx, accountID)
	if err != nil || !ok {
		return err
	}
	device, err := s.container.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("load device %s: %w", jid, err)
	}
	if device != nil {
		if err := device.Delete(ctx); err != nil {
			return fmt.Errorf("delete device %s: %w", jid, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gateway_accounts WHERE conta_id = ?`, accountID); err != nil {
		return fmt.Errorf("delete account %s: %w", accountID, err)
	}
	return nil
}

func (s *SQLStore) lookup(ctx context.Context, accountID string) (watypes.JID, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT jid FROM gateway_accounts WHERE conta_id = ?`, accountID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return watypes.EmptyJID, false, nil
	}
	if err != nil {
		return watypes.EmptyJID, false, fmt.Errorf("lookup account %s: %w", accountID, err)
	}
	jid, err := watypes.ParseJID(raw)
	if err != nil {
		return watypes.EmptyJID, false, fmt.Errorf("account %s: stored jid %q: %w", accountID, raw, err)
	}
	return jid, true, nil
}

// Accounts lists the accounts that have a paired device.
func (s *SQLStore) Accounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT conta_id FROM gateway_accounts ORDER BY conta_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
