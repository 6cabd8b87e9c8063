package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNoIdentity is returned when a store has no persisted identity and the
// caller supplied none to create one with.
var ErrNoIdentity = errors.New("store has no identity")

// Identity is the persisted per-store identity configuration. UserID is
// derived deterministically from the credential and must be identical across
// all stores for the same user; ClientID is unique to this store instance.
type Identity struct {
	UserID    uuid.UUID
	ClientID  uuid.UUID
	ServerURL string
}

// EnsureIdentity loads the persisted identity, creating it on first use. The
// caller supplies the ids to persist; on subsequent calls the stored values
// win so a client id never changes for the lifetime of a store.
func (s *Store) EnsureIdentity(ctx context.Context, userID, clientID uuid.UUID, serverURL string) (Identity, error) {
	existing, err := s.loadIdentity(ctx)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return Identity{}, err
	}

	// Never persist a nil user id: a store initialized without one would
	// refuse every later run that names the real user.
	if userID == uuid.Nil {
		return Identity{}, ErrNoIdentity
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for key, value := range map[string]string{
		"user_id":    userID.String(),
		"client_id":  clientID.String(),
		"server_url": serverURL,
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO config (key, value) VALUES (?, ?)`, key, value); err != nil {
			return Identity{}, fmt.Errorf("failed to store config %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Identity{}, fmt.Errorf("failed to commit identity: %w", err)
	}

	return Identity{UserID: userID, ClientID: clientID, ServerURL: serverURL}, nil
}

// loadIdentity reads the stored identity; sql.ErrNoRows when unconfigured.
func (s *Store) loadIdentity(ctx context.Context) (Identity, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to read config: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Identity{}, fmt.Errorf("failed to scan config: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return Identity{}, fmt.Errorf("error iterating config: %w", err)
	}

	if len(values) == 0 {
		return Identity{}, sql.ErrNoRows
	}

	userID, err := uuid.Parse(values["user_id"])
	if err != nil {
		return Identity{}, fmt.Errorf("failed to parse stored user id: %w", err)
	}
	clientID, err := uuid.Parse(values["client_id"])
	if err != nil {
		return Identity{}, fmt.Errorf("failed to parse stored client id: %w", err)
	}

	return Identity{
		UserID:    userID,
		ClientID:  clientID,
		ServerURL: values["server_url"],
	}, nil
}
