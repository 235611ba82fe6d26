package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mind-engage/runtime-gateway/internal/db"
	"github.com/mind-engage/runtime-gateway/internal/session"
)

func openTestStore(t *testing.T) *session.SQLStore {
	t.Helper()
	ctx := context.Background()
	dbh, err := db.Open(ctx, db.DriverSQLite, "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = dbh.Close() })

	if _, err := dbh.Exec(`INSERT INTO courses (id, name, runtime_enabled, scopes, created_at)
		VALUES ('c1','Algebra',1,'context.read',0)`); err != nil {
		t.Fatalf("seed course: %v", err)
	}
	return session.NewSQLStore(dbh)
}

func TestSQLStore_ConsumeOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	lt := session.LaunchToken{
		Token: "tok-1", CourseID: "c1", UserID: "u1", Role: "student",
		IssuedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}
	if err := st.Create(ctx, lt); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.Consume(ctx, "tok-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.CourseID != "c1" || got.UserID != "u1" || got.Role != "student" {
		t.Fatalf("consumed token not bound correctly: %+v", got)
	}

	if _, err := st.Consume(ctx, "tok-1", now.Add(2*time.Minute)); !errors.Is(err, session.ErrAlreadyConsumed) {
		t.Fatalf("expected ErrAlreadyConsumed on second consume, got %v", err)
	}
}

func TestSQLStore_ConsumeErrors(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	if _, err := st.Consume(ctx, "missing", now); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	lt := session.LaunchToken{
		Token: "tok-exp", CourseID: "c1", UserID: "u1", Role: "student",
		IssuedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}
	if err := st.Create(ctx, lt); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Consume(ctx, "tok-exp", now.Add(6*time.Minute)); !errors.Is(err, session.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// An expired token stays unconsumed: a later attempt still reports
	// expiry rather than replay.
	if _, err := st.Consume(ctx, "tok-exp", now.Add(7*time.Minute)); !errors.Is(err, session.ErrExpired) {
		t.Fatalf("expected ErrExpired again, got %v", err)
	}
}
