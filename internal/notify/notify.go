// internal/notify/notify.go
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/runtime-gateway/internal/outcome"
)

// Notification types emitted by the gateway.
const (
	TypeAttemptCompleted = "runtime.attempt_completed"
	TypeProgressRecorded = "runtime.progress_recorded"
)

// Repo writes notification rows and resolves fan-out audiences. Delivery,
// batching and read state belong to the main application; this side only
// enqueues.
type Repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) *Repo { return &Repo{db: db} }

// Enqueue records one notification. It never fails the caller: errors are
// logged and swallowed.
func (r *Repo) Enqueue(ctx context.Context, userID, typ string, payload any) {
	buf, err := json.Marshal(payload)
	if err != nil {
		log.Printf("notify: marshal %s for %s: %v", typ, userID, err)
		return
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, typ, payload, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		uuid.NewString(), userID, typ, string(buf), time.Now().Unix())
	if err != nil {
		log.Printf("notify: enqueue %s for %s: %v", typ, userID, err)
	}
}

// courseTeachers lists the users enrolled as teachers for a course.
func (r *Repo) courseTeachers(ctx context.Context, courseID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM enrollments WHERE course_id=$1 AND role='teacher'`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AttemptRecorded implements outcome.Notifier: completion events fan out a
// teacher-facing summary, progress events are log-only. Failure here never
// reaches the ingestion response.
func (r *Repo) AttemptRecorded(ctx context.Context, a outcome.Attempt) {
	if a.Kind != outcome.EventAttemptCompleted {
		return
	}
	teachers, err := r.courseTeachers(ctx, a.CourseID)
	if err != nil {
		log.Printf("notify: resolve teachers for course %s: %v", a.CourseID, err)
		return
	}
	payload := map[string]any{
		"courseId":  a.CourseID,
		"userId":    a.UserID,
		"attemptId": a.ID,
		"score":     a.Score,
		"max":       a.MaxScore,
		"passed":    a.Passed,
	}
	for _, teacher := range teachers {
		r.Enqueue(ctx, teacher, TypeAttemptCompleted, payload)
	}
}
