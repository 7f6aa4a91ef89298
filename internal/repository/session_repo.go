package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"copperx-bot/internal/domain"
)

var (
	// ErrSessionNotFound indica que no existe registro para ese chat.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageUnavailable indica que el almacenamiento no respondio.
	ErrStorageUnavailable = errors.New("session store unavailable")
)

// SessionStore define el contrato de persistencia para sesiones.
type SessionStore interface {
	Put(ctx context.Context, record domain.SessionRecord) error
	Get(ctx context.Context, chatID int64) (domain.SessionRecord, error)
	Delete(ctx context.Context, chatID int64) error
	UpdateDefaultWallet(ctx context.Context, chatID int64, walletID string) error
}

// PgSessionStore implementa SessionStore usando pgxpool.
type PgSessionStore struct {
	pool *pgxpool.Pool
}

func NewPgSessionStore(pool *pgxpool.Pool) *PgSessionStore {
	return &PgSessionStore{pool: pool}
}

// Put reemplaza el registro completo del chat de forma atomica.
func (s *PgSessionStore) Put(ctx context.Context, record domain.SessionRecord) error {
	const query = `
		INSERT INTO users (chat_id, email, token, organization_id, token_expiry, default_wallet)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chat_id) DO UPDATE SET
			email = EXCLUDED.email,
			token = EXCLUDED.token,
			organization_id = EXCLUDED.organization_id,
			token_expiry = EXCLUDED.token_expiry,
			default_wallet = EXCLUDED.default_wallet
	`
	_, err := s.pool.Exec(ctx, query,
		record.ChatID,
		record.Email,
		record.AuthToken,
		record.OrganizationID,
		record.TokenExpiry,
		record.DefaultWalletID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *PgSessionStore) Get(ctx context.Context, chatID int64) (domain.SessionRecord, error) {
	const query = `
		SELECT chat_id, email, token, organization_id, token_expiry, default_wallet
		FROM users
		WHERE chat_id = $1
	`
	var rec domain.SessionRecord
	err := s.pool.QueryRow(ctx, query, chatID).Scan(
		&rec.ChatID,
		&rec.Email,
		&rec.AuthToken,
		&rec.OrganizationID,
		&rec.TokenExpiry,
		&rec.DefaultWalletID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return rec, nil
}

// Delete es idempotente: borrar un chat inexistente no es error.
func (s *PgSessionStore) Delete(ctx context.Context, chatID int64) error {
	const query = `DELETE FROM users WHERE chat_id = $1`
	if _, err := s.pool.Exec(ctx, query, chatID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// UpdateDefaultWallet muta solo el wallet por defecto, sin tocar el resto.
func (s *PgSessionStore) UpdateDefaultWallet(ctx context.Context, chatID int64, walletID string) error {
	const query = `UPDATE users SET default_wallet = $1 WHERE chat_id = $2`
	tag, err := s.pool.Exec(ctx, query, walletID, chatID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// MemorySessionStore es una implementacion en memoria para tests y para
// correr sin DATABASE_URL configurada.
type MemorySessionStore struct {
	mu    sync.Mutex
	items map[int64]domain.SessionRecord
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{items: make(map[int64]domain.SessionRecord)}
}

func (s *MemorySessionStore) Put(_ context.Context, record domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[record.ChatID] = record
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, chatID int64) (domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[chatID]
	if !ok {
		return domain.SessionRecord{}, ErrSessionNotFound
	}
	return rec, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, chatID)
	return nil
}

func (s *MemorySessionStore) UpdateDefaultWallet(_ context.Context, chatID int64, walletID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[chatID]
	if !ok {
		return ErrSessionNotFound
	}
	rec.DefaultWalletID = walletID
	s.items[chatID] = rec
	return nil
}
