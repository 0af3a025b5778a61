// Package vault stores the downstream servers' base URLs and API keys
// encrypted under a key derived from the operator's login secret.
//
// The vault is a single SQLite file. Opening it reveals nothing beyond
// which server kinds have stored credentials; reading or writing a
// record requires a [Handle] obtained from [Vault.Unlock]. Handles hold
// the derived key in memory until [Handle.Release] zeroes it.
package vault

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
)

// Scheme identifies the encryption format written with every record.
const Scheme = "xchacha20poly1305+argon2id/v1"

// MinSecretLength is the shortest accepted login secret.
const MinSecretLength = 6

// Argon2id parameters (RFC 9106 second recommended option, scaled for a
// single-operator deployment).
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	keyLen     = 32
	saltLen    = 16
)

// Vault is the process-wide credential store.
type Vault struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool

	now func() time.Time
}

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the vault logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// WithClock overrides the time source used for encrypted_at stamps.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// Open opens or creates the vault database at path. The schema is
// created on first use; the vault still needs [Vault.Initialize] before
// it can be unlocked.
func Open(path string, opts ...Option) (*Vault, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	v := &Vault{
		db:      db,
		logger:  slog.Default(),
		handles: make(map[*Handle]struct{}),
		now:     time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	v.logger = v.logger.With("component", "vault")

	if err := v.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate vault: %w", err)
	}
	return v, nil
}

func (v *Vault) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vault_meta (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		username    TEXT NOT NULL,
		verifier    BLOB NOT NULL,
		salt        BLOB NOT NULL,
		scheme      TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		kind         TEXT PRIMARY KEY,
		scheme       TEXT NOT NULL,
		nonce        BLOB NOT NULL,
		ciphertext   BLOB NOT NULL,
		encrypted_at TEXT NOT NULL
	);
	`
	_, err := v.db.Exec(schema)
	return err
}

// Close locks the vault and closes the database.
func (v *Vault) Close() error {
	v.Lock()
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	return v.db.Close()
}

// Lock releases every outstanding handle. Sessions holding a handle
// must log in again.
func (v *Vault) Lock() {
	v.mu.Lock()
	handles := make([]*Handle, 0, len(v.handles))
	for h := range v.handles {
		handles = append(handles, h)
	}
	v.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
	if len(handles) > 0 {
		v.logger.Info("vault locked", "released_handles", len(handles))
	}
}

// Initialized reports whether the vault has an operator account.
func (v *Vault) Initialized() (bool, error) {
	var n int
	if err := v.db.QueryRow(`SELECT COUNT(*) FROM vault_meta`).Scan(&n); err != nil {
		return false, fmt.Errorf("query vault meta: %w", err)
	}
	return n > 0, nil
}

// Username returns the operator name, or NotFound if uninitialized.
func (v *Vault) Username() (string, error) {
	var name string
	err := v.db.QueryRow(`SELECT username FROM vault_meta WHERE id = 1`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.New(apperr.KindNotFound, "vault.username", "vault is not initialized")
	}
	if err != nil {
		return "", fmt.Errorf("query username: %w", err)
	}
	return name, nil
}

// Initialize creates the operator account. The secret is stored only as a
// bcrypt verifier; the record key is derived from it with argon2id.
func (v *Vault) Initialize(username, secret string) error {
	const op = "vault.initialize"
	if username == "" {
		return apperr.New(apperr.KindValidation, op, "username is required")
	}
	if len(secret) < MinSecretLength {
		return apperr.New(apperr.KindValidation, op, "secret must be at least %d characters", MinSecretLength)
	}

	verifier, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	res, err := v.db.Exec(
		`INSERT INTO vault_meta (id, username, verifier, salt, scheme, created_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		username, verifier, salt, Scheme, v.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("write vault meta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindAlreadyExists, op, "vault is already initialized")
	}

	v.logger.Info("vault initialized", "username", username)
	return nil
}

type meta struct {
	username string
	verifier []byte
	salt     []byte
}

func (v *Vault) loadMeta(q interface {
	QueryRow(string, ...any) *sql.Row
}) (*meta, error) {
	var m meta
	err := q.QueryRow(`SELECT username, verifier, salt FROM vault_meta WHERE id = 1`).
		Scan(&m.username, &m.verifier, &m.salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindAuth, "vault.unlock", "vault is not initialized")
	}
	if err != nil {
		return nil, fmt.Errorf("read vault meta: %w", err)
	}
	return &m, nil
}

// Unlock verifies secret and returns a handle carrying the derived key.
// A wrong secret fails with AuthError and returns no handle.
func (v *Vault) Unlock(secret string) (*Handle, error) {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return nil, apperr.New(apperr.KindAuth, "vault.unlock", "vault is closed")
	}

	m, err := v.loadMeta(v.db)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword(m.verifier, []byte(secret)) != nil {
		v.logger.Warn("vault unlock failed", "username", m.username)
		return nil, apperr.New(apperr.KindAuth, "vault.unlock", "wrong secret")
	}

	h := &Handle{vault: v, key: deriveKey(secret, m.salt)}
	v.mu.Lock()
	v.handles[h] = struct{}{}
	v.mu.Unlock()

	v.logger.Debug("vault unlocked", "username", m.username)
	return h, nil
}

// ChangeSecret rotates the login secret. Every stored record is
// re-encrypted under the new key in the same transaction, and all
// outstanding handles are released.
func (v *Vault) ChangeSecret(oldSecret, newSecret string) error {
	const op = "vault.change_secret"
	if len(newSecret) < MinSecretLength {
		return apperr.New(apperr.KindValidation, op, "secret must be at least %d characters", MinSecretLength)
	}

	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	m, err := v.loadMeta(tx)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword(m.verifier, []byte(oldSecret)) != nil {
		return apperr.New(apperr.KindAuth, op, "wrong secret")
	}

	oldKey := deriveKey(oldSecret, m.salt)
	defer wipe(oldKey)

	newSalt := make([]byte, saltLen)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	newKey := deriveKey(newSecret, newSalt)
	defer wipe(newKey)

	rows, err := tx.Query(`SELECT kind, scheme, nonce, ciphertext, encrypted_at FROM credentials`)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	var sealed []sealedRecord
	for rows.Next() {
		var s sealedRecord
		if err := rows.Scan(&s.kind, &s.scheme, &s.nonce, &s.ciphertext, &s.encryptedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan credential: %w", err)
		}
		sealed = append(sealed, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}

	for _, s := range sealed {
		rec, err := open(oldKey, s)
		if err != nil {
			return err
		}
		resealed, err := seal(newKey, rec)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE credentials SET scheme = ?, nonce = ?, ciphertext = ? WHERE kind = ?`,
			resealed.scheme, resealed.nonce, resealed.ciphertext, s.kind,
		); err != nil {
			return fmt.Errorf("rewrite %s: %w", s.kind, err)
		}
	}

	verifier, err := bcrypt.GenerateFromPassword([]byte(newSecret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}
	if _, err := tx.Exec(`UPDATE vault_meta SET verifier = ?, salt = ? WHERE id = 1`, verifier, newSalt); err != nil {
		return fmt.Errorf("update vault meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	v.Lock()
	v.logger.Info("vault secret rotated", "records", len(sealed))
	return nil
}

// StoredKinds lists the server kinds that have credentials, without
// unlocking. Kinds are not secret.
func (v *Vault) StoredKinds() ([]Kind, error) {
	rows, err := v.db.Query(`SELECT kind FROM credentials ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("list kinds: %w", err)
	}
	defer rows.Close()

	var kinds []Kind
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan kind: %w", err)
		}
		kinds = append(kinds, Kind(k))
	}
	return kinds, rows.Err()
}

func (v *Vault) forget(h *Handle) {
	v.mu.Lock()
	delete(v.handles, h)
	v.mu.Unlock()
}

func deriveKey(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, kdfTime, kdfMemory, kdfThreads, keyLen)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
