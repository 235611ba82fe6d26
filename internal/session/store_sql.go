// internal/session/store_sql.go
package session

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// SQLStore keeps launch tokens in the gateway database so single-use
// consumption survives restarts and is shared across handlers.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) Create(ctx context.Context, lt LaunchToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO launch_tokens (token, course_id, user_id, enrollment_role, issued_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		lt.Token, lt.CourseID, lt.UserID, lt.Role, lt.IssuedAt.Unix(), lt.ExpiresAt.Unix())
	return err
}

// Consume is a single conditional UPDATE, so two concurrent exchanges for
// the same token serialize in the database: one sees RowsAffected=1, the
// other falls through to the error triage below.
func (s *SQLStore) Consume(ctx context.Context, token string, now time.Time) (LaunchToken, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE launch_tokens SET consumed_at=$1
		  WHERE token=$2 AND consumed_at IS NULL AND expires_at > $3`,
		now.Unix(), token, now.Unix())
	if err != nil {
		return LaunchToken{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return LaunchToken{}, err
	}

	var (
		lt         LaunchToken
		issued     int64
		expires    int64
		consumedAt sql.NullInt64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT token, course_id, user_id, enrollment_role, issued_at, expires_at, consumed_at
		   FROM launch_tokens WHERE token=$1`, token)
	if err := row.Scan(&lt.Token, &lt.CourseID, &lt.UserID, &lt.Role, &issued, &expires, &consumedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LaunchToken{}, ErrNotFound
		}
		return LaunchToken{}, err
	}
	lt.IssuedAt = time.Unix(issued, 0)
	lt.ExpiresAt = time.Unix(expires, 0)

	if n == 1 {
		return lt, nil
	}
	if consumedAt.Valid {
		return LaunchToken{}, ErrAlreadyConsumed
	}
	if !now.Before(lt.ExpiresAt) {
		return LaunchToken{}, ErrExpired
	}
	// Row changed between UPDATE and SELECT; treat as a replay.
	return LaunchToken{}, ErrAlreadyConsumed
}

// MemoryStore is a process-local store for dev and tests.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*memToken
}

type memToken struct {
	lt       LaunchToken
	consumed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*memToken)}
}

func (s *MemoryStore) Create(_ context.Context, lt LaunchToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[lt.Token]; exists {
		return errors.New("session: duplicate launch token")
	}
	s.tokens[lt.Token] = &memToken{lt: lt}
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, token string, now time.Time) (LaunchToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, ok := s.tokens[token]
	if !ok {
		return LaunchToken{}, ErrNotFound
	}
	if mt.consumed {
		return LaunchToken{}, ErrAlreadyConsumed
	}
	if !now.Before(mt.lt.ExpiresAt) {
		return LaunchToken{}, ErrExpired
	}
	mt.consumed = true
	return mt.lt, nil
}
