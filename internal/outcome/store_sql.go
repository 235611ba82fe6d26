// internal/outcome/store_sql.go
package outcome

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

var (
	ErrCourseNotFound   = errors.New("outcome: course not found")
	ErrProviderNotFound = errors.New("outcome: provider not found")
)

// Store is the record-store boundary the ingestor depends on. The wider
// CRUD surface owns these tables; the gateway only needs this slice.
type Store interface {
	FindCourse(ctx context.Context, id string) (Course, error)
	FindProvider(ctx context.Context, id string) (Provider, error)
	InsertAttempt(ctx context.Context, a Attempt) error
	// FindAttemptByEvent returns the attempt previously stored for
	// (courseID, eventID), if any.
	FindAttemptByEvent(ctx context.Context, courseID, eventID string) (Attempt, bool, error)
	ListByCourse(ctx context.Context, courseID string, limit, offset int) ([]Attempt, int, error)
}

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) FindCourse(ctx context.Context, id string) (Course, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(provider_id,''), runtime_enabled, scopes FROM courses WHERE id=$1`, id)
	var (
		c       Course
		enabled int
		scopes  string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.ProviderID, &enabled, &scopes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Course{}, ErrCourseNotFound
		}
		return Course{}, err
	}
	c.RuntimeEnabled = enabled != 0
	c.Scopes = strings.Fields(scopes)
	return c, nil
}

// CourseScopes satisfies session.ScopeSource.
func (s *SQLStore) CourseScopes(ctx context.Context, courseID string) ([]string, error) {
	c, err := s.FindCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return c.Scopes, nil
}

func (s *SQLStore) FindProvider(ctx context.Context, id string) (Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, origin, jwks_url, secret_hash FROM providers WHERE id=$1`, id)
	var p Provider
	if err := row.Scan(&p.ID, &p.Name, &p.Origin, &p.JWKSURL, &p.SecretHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, ErrProviderNotFound
		}
		return Provider{}, err
	}
	return p, nil
}

func (s *SQLStore) InsertAttempt(ctx context.Context, a Attempt) error {
	var passed any
	if a.Passed != nil {
		if *a.Passed {
			passed = 1
		} else {
			passed = 0
		}
	}
	var eventID any
	if a.EventID != "" {
		eventID = a.EventID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, course_id, user_id, kind, score, max_score, passed, pct, topic, runtime_attempt_id, event_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.CourseID, a.UserID, a.Kind,
		a.Score, a.MaxScore, passed, a.Pct, a.Topic, a.RuntimeAttemptID, eventID,
		a.CreatedAt.Unix())
	return err
}

func (s *SQLStore) FindAttemptByEvent(ctx context.Context, courseID, eventID string) (Attempt, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, course_id, user_id, kind, score, max_score, passed, pct, topic, runtime_attempt_id, COALESCE(event_id,''), created_at
		   FROM attempts WHERE course_id=$1 AND event_id=$2`, courseID, eventID)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attempt{}, false, nil
		}
		return Attempt{}, false, err
	}
	return a, true, nil
}

func (s *SQLStore) ListByCourse(ctx context.Context, courseID string, limit, offset int) ([]Attempt, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE course_id=$1`, courseID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, course_id, user_id, kind, score, max_score, passed, pct, topic, runtime_attempt_id, COALESCE(event_id,''), created_at
		   FROM attempts WHERE course_id=$1
		  ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		courseID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]Attempt, 0, limit)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(r rowScanner) (Attempt, error) {
	var (
		a       Attempt
		score   sql.NullFloat64
		max     sql.NullFloat64
		passed  sql.NullInt64
		pct     sql.NullFloat64
		topic   sql.NullString
		rtID    sql.NullString
		created int64
	)
	if err := r.Scan(&a.ID, &a.CourseID, &a.UserID, &a.Kind,
		&score, &max, &passed, &pct, &topic, &rtID, &a.EventID, &created); err != nil {
		return Attempt{}, err
	}
	if score.Valid {
		a.Score = &score.Float64
	}
	if max.Valid {
		a.MaxScore = &max.Float64
	}
	if passed.Valid {
		b := passed.Int64 != 0
		a.Passed = &b
	}
	if pct.Valid {
		a.Pct = &pct.Float64
	}
	a.Topic = topic.String
	a.RuntimeAttemptID = rtID.String
	a.CreatedAt = time.Unix(created, 0)
	return a, nil
}
