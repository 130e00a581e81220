package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/progress/internal/domain"
	"example.com/progress/internal/events"
	"example.com/progress/internal/observability"
)

const (
	uniqueViolation      = "23505"
	awardUniqueIndexName = "badge_awards_user_badge_key"
)

// Repository provides Postgres-backed persistence for progress records, badges and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertRecord writes the record keyed on (student_id, session_id) and records a
// progress.saved outbox event inside the same transaction.
func (r *Repository) UpsertRecord(ctx context.Context, record domain.ActivityRecord) (_ domain.ActivityRecord, _ bool, err error) {
	payload, err := domain.DecodePayload(record.Payload)
	if err != nil {
		return domain.ActivityRecord{}, false, err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.ActivityRecord{}, false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const upsert = `INSERT INTO activity_records (record_id, student_id, session_id, payload, saved_at, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (student_id, session_id) DO UPDATE SET payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at
        RETURNING record_id, student_id, session_id, payload, saved_at, created_at, (xmax = 0) AS inserted`

	var (
		stored   domain.ActivityRecord
		inserted bool
	)
	err = tx.QueryRow(ctx, upsert,
		record.ID,
		record.StudentID,
		record.SessionID,
		[]byte(record.Payload),
		record.SavedAt,
		record.CreatedAt,
	).Scan(&stored.ID, &stored.StudentID, &stored.SessionID, &stored.Payload, &stored.SavedAt, &stored.CreatedAt, &inserted)
	if err != nil {
		return domain.ActivityRecord{}, false, err
	}

	err = r.insertOutbox(ctx, tx, outboxEntry{
		aggregateType: "activity_record",
		aggregateID:   stored.ID,
		partitionKey:  stored.StudentID,
		eventType:     events.TypeProgressSaved,
		dedupeKey:     fmt.Sprintf("%s:%s:%s", stored.ID, events.TypeProgressSaved, strconv.FormatInt(stored.SavedAt.UnixNano(), 10)),
		payload: events.ProgressSaved{
			RecordID:  stored.ID,
			StudentID: stored.StudentID,
			SessionID: stored.SessionID,
			Completed: payload.Completed,
			SavedAt:   stored.SavedAt,
		},
	})
	if err != nil {
		return domain.ActivityRecord{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.ActivityRecord{}, false, err
	}
	observability.RecordProgressSaved(stored.SavedAt)
	return stored, inserted, nil
}

// CountDistinctSessions counts distinct session ids whose payload value at filter.Path
// equals filter.Equals, optionally bounded by saved_at.
func (r *Repository) CountDistinctSessions(ctx context.Context, filter domain.RecordFilter) (int, error) {
	want, err := json.Marshal(filter.Equals)
	if err != nil {
		return 0, err
	}

	path := filter.Path
	if path == nil {
		path = []string{}
	}
	args := []interface{}{filter.StudentID, path, string(want)}
	query := `SELECT COUNT(DISTINCT session_id) FROM activity_records
        WHERE student_id = $1 AND payload #> $2::text[] = $3::jsonb`

	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += ` AND saved_at >= $` + strconv.Itoa(len(args))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		query += ` AND saved_at < $` + strconv.Itoa(len(args))
	}

	var count int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// LatestRecords returns the most recently saved records for a student.
func (r *Repository) LatestRecords(ctx context.Context, studentID string, limit int) ([]domain.ActivityRecord, error) {
	records, _, err := r.ListRecords(ctx, studentID, nil, limit)
	return records, err
}

// ListRecords returns records for a student ordered by saved_at descending.
func (r *Repository) ListRecords(ctx context.Context, studentID string, cursor *domain.Cursor, limit int) ([]domain.ActivityRecord, *domain.Cursor, error) {
	args := []interface{}{studentID, limit}
	query := `SELECT record_id, student_id, session_id, payload, saved_at, created_at
        FROM activity_records WHERE student_id=$1`

	if cursor != nil {
		query += ` AND (saved_at, record_id) < ($3, $4)`
		args = append(args, cursor.SavedAt, cursor.ID)
	}

	query += ` ORDER BY saved_at DESC, record_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.ActivityRecord, 0, limit)
	for rows.Next() {
		var rec domain.ActivityRecord
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.SessionID, &rec.Payload, &rec.SavedAt, &rec.CreatedAt); err != nil {
			return nil, nil, err
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{SavedAt: last.SavedAt, ID: last.ID}
	}
	return results, nextCursor, nil
}

// BadgeByKey fetches a catalog entry; a missing key yields nil, nil.
func (r *Repository) BadgeByKey(ctx context.Context, key domain.BadgeKey) (*domain.Badge, error) {
	const query = `SELECT badge_id, badge_key, title, description, criteria FROM badges WHERE badge_key=$1`

	b, err := scanBadge(r.pool.QueryRow(ctx, query, string(key)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// ListBadges returns the catalog ordered by id.
func (r *Repository) ListBadges(ctx context.Context) ([]domain.Badge, error) {
	rows, err := r.pool.Query(ctx, `SELECT badge_id, badge_key, title, description, criteria FROM badges ORDER BY badge_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	badges := make([]domain.Badge, 0)
	for rows.Next() {
		b, err := scanBadge(rows)
		if err != nil {
			return nil, err
		}
		badges = append(badges, b)
	}
	return badges, rows.Err()
}

// FindAward returns the award for (user, badge) or nil when none exists.
func (r *Repository) FindAward(ctx context.Context, userID, badgeID string) (*domain.BadgeAward, error) {
	const query = `SELECT award_id, user_id, badge_id, awarded_at FROM badge_awards WHERE user_id=$1 AND badge_id=$2`

	var a domain.BadgeAward
	err := r.pool.QueryRow(ctx, query, userID, badgeID).Scan(&a.ID, &a.UserID, &a.BadgeID, &a.AwardedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// CreateAward inserts the award and a badge.awarded outbox event. The unique index on
// (user_id, badge_id) rejects duplicates with domain.ErrAwardExists.
func (r *Repository) CreateAward(ctx context.Context, award domain.BadgeAward) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO badge_awards (award_id, user_id, badge_id, awarded_at) VALUES ($1,$2,$3,$4)`,
		award.ID, award.UserID, award.BadgeID, award.AwardedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == awardUniqueIndexName {
			err = domain.ErrAwardExists
		}
		return err
	}

	err = r.insertOutbox(ctx, tx, outboxEntry{
		aggregateType: "badge_award",
		aggregateID:   award.ID,
		partitionKey:  award.UserID,
		eventType:     events.TypeBadgeAwarded,
		dedupeKey:     fmt.Sprintf("%s:%s", award.ID, events.TypeBadgeAwarded),
		payload: events.BadgeAwarded{
			AwardID:   award.ID,
			StudentID: award.UserID,
			BadgeID:   award.BadgeID,
			AwardedAt: award.AwardedAt,
		},
	})
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListAwards returns a student's awards, oldest first.
func (r *Repository) ListAwards(ctx context.Context, userID string) ([]domain.BadgeAward, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT award_id, user_id, badge_id, awarded_at FROM badge_awards WHERE user_id=$1 ORDER BY awarded_at, award_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	awards := make([]domain.BadgeAward, 0)
	for rows.Next() {
		var a domain.BadgeAward
		if err := rows.Scan(&a.ID, &a.UserID, &a.BadgeID, &a.AwardedAt); err != nil {
			return nil, err
		}
		awards = append(awards, a)
	}
	return awards, rows.Err()
}

func scanBadge(row pgx.Row) (domain.Badge, error) {
	var (
		b   domain.Badge
		key string
	)
	if err := row.Scan(&b.ID, &key, &b.Title, &b.Description, &b.Criteria); err != nil {
		return domain.Badge{}, err
	}
	b.Key = domain.BadgeKey(key)
	return b, nil
}

type outboxEntry struct {
	aggregateType string
	aggregateID   string
	partitionKey  string
	eventType     string
	dedupeKey     string
	payload       interface{}
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, entry outboxEntry) error {
	body, err := json.Marshal(entry.payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[entry.eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", entry.eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		entry.aggregateType,
		entry.aggregateID,
		entry.eventType,
		meta.Topic,
		meta.SchemaSubject,
		entry.partitionKey,
		body,
		entry.dedupeKey,
	)
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeProgressSaved: {
		Topic:         "progress_events",
		SchemaSubject: "progress_events-value",
	},
	events.TypeBadgeAwarded: {
		Topic:         "badge_events",
		SchemaSubject: "badge_events-value",
	},
}
