// Package storage persists the chat session: the bearer access token,
// encrypted at rest, and the cached profile of the signed-in user.
package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/verastack/chatline/pkg/auth"
)

// ErrNoToken is returned when no unexpired token is stored.
var ErrNoToken = errors.New("no valid token found")

// opaqueTokenTTL is the lifetime assumed for tokens that carry no exp claim.
const opaqueTokenTTL = 30 * 24 * time.Hour

// TokenStore manages encrypted token persistence in SQLite
type TokenStore struct {
	db        *sql.DB
	secretKey []byte
	timeout   time.Duration
	mu        sync.Mutex
}

// UserInfo is the cached profile of the signed-in user.
type UserInfo struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username,omitempty"`
	FullName     string `json:"full_name"`
	Email        string `json:"email,omitempty"`
	Avatar       string `json:"avatar,omitempty"`
	UserType     string `json:"user_type,omitempty"`
	UserOnlineID string `json:"user_online_id,omitempty"`
}

// NewTokenStore opens (or creates) the database at dbPath. Every database
// operation is bounded by timeout.
func NewTokenStore(dbPath, secretKeyBase string, timeout time.Duration) (*TokenStore, error) {
	if secretKeyBase == "" {
		return nil, fmt.Errorf("secret key base is required")
	}

	if timeout <= 0 {
		return nil, fmt.Errorf("database timeout must be positive")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and
	// serializes writers on file databases.
	db.SetMaxOpenConns(1)

	sum := sha256.Sum256([]byte(secretKeyBase))

	store := &TokenStore{
		db:        db,
		secretKey: sum[:],
		timeout:   timeout,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (ts *TokenStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), ts.timeout)
	defer cancel()

	query := `
		CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			encrypted_token TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_updated_at ON tokens(updated_at DESC);

		CREATE TABLE IF NOT EXISTS user_info (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`

	_, err := ts.db.ExecContext(ctx, query)
	return err
}

func (ts *TokenStore) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(ts.secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}

// encrypt seals plaintext with AES-256-GCM and base64-encodes nonce+ciphertext.
func (ts *TokenStore) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("cannot encrypt empty value")
	}

	gcm, err := ts.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (ts *TokenStore) decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", fmt.Errorf("cannot decrypt empty value")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	gcm, err := ts.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// SaveToken encrypts and saves a token that expires at expiresAt.
func (ts *TokenStore) SaveToken(ctx context.Context, token string, expiresAt time.Time) error {
	if token == "" {
		return fmt.Errorf("token is empty")
	}

	if !expiresAt.After(time.Now()) {
		return fmt.Errorf("token already expired at %s", expiresAt)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	encryptedToken, err := ts.encrypt(token)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, ts.timeout)
	defer cancel()

	query := `
		INSERT INTO tokens (encrypted_token, expires_at, updated_at)
		VALUES (?, ?, ?)
	`

	if _, err := ts.db.ExecContext(ctx, query, encryptedToken, expiresAt.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	return nil
}

// SaveBearerToken stores an access token, taking its expiry from the exp
// claim when the token is a JWT.
func (ts *TokenStore) SaveBearerToken(ctx context.Context, token string) (time.Time, error) {
	expiresAt := time.Now().Add(opaqueTokenTTL)

	if claims, err := auth.ParseJWTUnsafe(token); err == nil && claims.HasExpiry() {
		expiresAt = claims.ExpiresAt()
	}

	if err := ts.SaveToken(ctx, token, expiresAt); err != nil {
		return time.Time{}, err
	}

	return expiresAt, nil
}

// LoadToken retrieves and decrypts the most recent unexpired token.
func (ts *TokenStore) LoadToken(ctx context.Context) (string, time.Time, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, ts.timeout)
	defer cancel()

	query := `
		SELECT encrypted_token, expires_at
		FROM tokens
		WHERE expires_at > ?
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`

	var encryptedToken string
	var expiresAt time.Time

	err := ts.db.QueryRowContext(ctx, query, time.Now().UTC()).Scan(&encryptedToken, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrNoToken
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to query token: %w", err)
	}

	token, err := ts.decrypt(encryptedToken)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decrypt token: %w", err)
	}

	return token, expiresAt, nil
}

// Token returns the current bearer token. It lets the store act as the
// token source of the realtime connection manager and the REST client.
func (ts *TokenStore) Token(ctx context.Context) (string, error) {
	token, _, err := ts.LoadToken(ctx)
	return token, err
}

// CleanupExpiredTokens removes expired tokens from the database
func (ts *TokenStore) CleanupExpiredTokens(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, ts.timeout)
	defer cancel()

	if _, err := ts.db.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at <= ?`, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to cleanup expired tokens: %w", err)
	}

	return nil
}

// SaveUserInfo caches the signed-in user's profile, encrypted like tokens.
func (ts *TokenStore) SaveUserInfo(ctx context.Context, info *UserInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal user info: %w", err)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	encrypted, err := ts.encrypt(string(data))
	if err != nil {
		return fmt.Errorf("failed to encrypt user info: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, ts.timeout)
	defer cancel()

	query := `
		INSERT INTO user_info (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`

	if _, err := ts.db.ExecContext(ctx, query, encrypted, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save user info: %w", err)
	}

	return nil
}

// LoadUserInfo returns the cached profile, or nil if none is stored.
func (ts *TokenStore) LoadUserInfo(ctx context.Context) (*UserInfo, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, ts.timeout)
	defer cancel()

	var encrypted string

	err := ts.db.QueryRowContext(ctx, `SELECT data FROM user_info WHERE id = 1`).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user info: %w", err)
	}

	data, err := ts.decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt user info: %w", err)
	}

	var info UserInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user info: %w", err)
	}

	return &info, nil
}

// Clear removes every stored token and the cached profile (logout).
func (ts *TokenStore) Clear(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, ts.timeout)
	defer cancel()

	tx, err := ts.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, stmt := range []string{`DELETE FROM tokens`, `DELETE FROM user_info`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear storage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear: %w", err)
	}

	return nil
}

// Stats returns statistics about stored tokens
func (ts *TokenStore) Stats(ctx context.Context) (total int, valid int, expired int, err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, ts.timeout)
	defer cancel()

	err = ts.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tokens").Scan(&total)
	if err != nil {
		return 0, 0, 0, err
	}

	err = ts.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tokens WHERE expires_at > ?", time.Now().UTC()).Scan(&valid)
	if err != nil {
		return 0, 0, 0, err
	}

	expired = total - valid
	return total, valid, expired, nil
}

// Close closes the database connection
func (ts *TokenStore) Close() error {
	return ts.db.Close()
}
