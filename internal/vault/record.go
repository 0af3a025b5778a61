package vault

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
)

// Kind names a downstream server.
type Kind string

// Supported server kinds.
const (
	KindMovie  Kind = "movie"  // Radarr
	KindSeries Kind = "series" // Sonarr
)

// Kinds lists every supported server kind in display order.
var Kinds = []Kind{KindMovie, KindSeries}

// Valid reports whether k is a supported server kind.
func (k Kind) Valid() bool {
	return k == KindMovie || k == KindSeries
}

// Record is one server's credentials in plaintext. It only exists
// between a Read and the request that uses it.
type Record struct {
	Kind        Kind
	BaseURL     string
	APIKey      string
	EncryptedAt time.Time
}

// Validate checks required fields.
func (r Record) Validate() error {
	const op = "vault.store"
	if !r.Kind.Valid() {
		return apperr.New(apperr.KindValidation, op, "unknown server kind %q", r.Kind)
	}
	if r.BaseURL == "" {
		return apperr.New(apperr.KindValidation, op, "%s: base URL is required", r.Kind)
	}
	if r.APIKey == "" {
		return apperr.New(apperr.KindValidation, op, "%s: API key is required", r.Kind)
	}
	u, err := url.Parse(r.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.New(apperr.KindValidation, op, "%s: base URL must be an absolute http(s) URL", r.Kind)
	}
	return nil
}

// payload is the plaintext sealed into ciphertext.
type payload struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

type sealedRecord struct {
	kind        string
	scheme      string
	nonce       []byte
	ciphertext  []byte
	encryptedAt string
}

func seal(key []byte, r Record) (sealedRecord, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return sealedRecord{}, fmt.Errorf("init cipher: %w", err)
	}
	plain, err := json.Marshal(payload{BaseURL: r.BaseURL, APIKey: r.APIKey})
	if err != nil {
		return sealedRecord{}, fmt.Errorf("encode record: %w", err)
	}
	defer wipe(plain)

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return sealedRecord{}, fmt.Errorf("generate nonce: %w", err)
	}
	return sealedRecord{
		kind:        string(r.Kind),
		scheme:      Scheme,
		nonce:       nonce,
		ciphertext:  aead.Seal(nil, nonce, plain, []byte(r.Kind)),
		encryptedAt: r.EncryptedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func open(key []byte, s sealedRecord) (Record, error) {
	if s.scheme != Scheme {
		return Record{}, fmt.Errorf("%s: unsupported scheme %q", s.kind, s.scheme)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Record{}, fmt.Errorf("init cipher: %w", err)
	}
	plain, err := aead.Open(nil, s.nonce, s.ciphertext, []byte(s.kind))
	if err != nil {
		// Tampered blob or a key that does not match the verifier.
		return Record{}, apperr.New(apperr.KindAuth, "vault.read", "%s: credentials cannot be decrypted", s.kind)
	}
	defer wipe(plain)

	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return Record{}, fmt.Errorf("%s: decode record: %w", s.kind, err)
	}
	at, err := time.Parse(time.RFC3339Nano, s.encryptedAt)
	if err != nil {
		return Record{}, fmt.Errorf("%s: parse encrypted_at: %w", s.kind, err)
	}
	return Record{Kind: Kind(s.kind), BaseURL: p.BaseURL, APIKey: p.APIKey, EncryptedAt: at}, nil
}

// Handle is an unlocked view of the vault. It is safe for concurrent
// use; every operation after Release fails with AuthError.
type Handle struct {
	vault *Vault

	mu  sync.RWMutex
	key []byte
}

func (h *Handle) withKey(op string, fn func(key []byte) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.key == nil {
		return apperr.New(apperr.KindAuth, op, "vault handle released")
	}
	return fn(h.key)
}

// Store encrypts and persists r, replacing any record of the same kind.
// The write is a single statement, so no partial blob is observable.
func (h *Handle) Store(r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.EncryptedAt = h.vault.now()

	return h.withKey("vault.store", func(key []byte) error {
		s, err := seal(key, r)
		if err != nil {
			return err
		}
		_, err = h.vault.db.Exec(
			`INSERT INTO credentials (kind, scheme, nonce, ciphertext, encrypted_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (kind) DO UPDATE
			 SET scheme = excluded.scheme, nonce = excluded.nonce,
			     ciphertext = excluded.ciphertext, encrypted_at = excluded.encrypted_at`,
			s.kind, s.scheme, s.nonce, s.ciphertext, s.encryptedAt,
		)
		if err != nil {
			return fmt.Errorf("store %s: %w", r.Kind, err)
		}
		h.vault.logger.Info("credentials stored", "kind", r.Kind)
		return nil
	})
}

// Read decrypts the record for kind. NotFound if none is stored.
func (h *Handle) Read(kind Kind) (Record, error) {
	var rec Record
	err := h.withKey("vault.read", func(key []byte) error {
		s := sealedRecord{kind: string(kind)}
		err := h.vault.db.QueryRow(
			`SELECT scheme, nonce, ciphertext, encrypted_at FROM credentials WHERE kind = ?`,
			string(kind),
		).Scan(&s.scheme, &s.nonce, &s.ciphertext, &s.encryptedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "vault.read", "no credentials stored for %s server", kind)
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", kind, err)
		}
		rec, err = open(key, s)
		return err
	})
	return rec, err
}

// Delete removes the record for kind. NotFound if none is stored.
func (h *Handle) Delete(kind Kind) error {
	return h.withKey("vault.delete", func([]byte) error {
		res, err := h.vault.db.Exec(`DELETE FROM credentials WHERE kind = ?`, string(kind))
		if err != nil {
			return fmt.Errorf("delete %s: %w", kind, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.KindNotFound, "vault.delete", "no credentials stored for %s server", kind)
		}
		h.vault.logger.Info("credentials deleted", "kind", kind)
		return nil
	})
}

// Kinds lists the kinds with stored records.
func (h *Handle) Kinds() ([]Kind, error) {
	var kinds []Kind
	err := h.withKey("vault.kinds", func([]byte) error {
		var err error
		kinds, err = h.vault.StoredKinds()
		return err
	})
	return kinds, err
}

// Release zeroes the key. It is safe to call more than once.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.key != nil {
		wipe(h.key)
		h.key = nil
	}
	h.mu.Unlock()
	h.vault.forget(h)
}

// Released reports whether the handle can no longer be used.
func (h *Handle) Released() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.key == nil
}
