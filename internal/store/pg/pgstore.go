package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"scriba.dev/internal/store"
	"scriba.dev/internal/transcript"
)

// Store persists stable segments in Postgres.
type Store struct {
	db *sql.DB
}

var _ store.SegmentStore = (*Store)(nil)

// Open connects to Postgres with pool defaults tuned for the sweep's
// bursty write pattern.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Test use.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// InsertBatch writes the segments in one transaction. Duplicate keys
// are absorbed by `on conflict do nothing`: re-persisting after a
// partial failure must look like success.
func (s *Store) InsertBatch(ctx context.Context, segments []transcript.Segment) (int, error) {
	if len(segments) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", store.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, seg := range segments {
		res, err := tx.ExecContext(ctx, `
			insert into transcript_segments(
				meeting_id, session_uid, relative_start_ms,
				relative_start, relative_end,
				text, speaker, language,
				absolute_start_time, absolute_end_time,
				time_fallback, updated_at
			) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			on conflict (meeting_id, session_uid, relative_start_ms) do nothing
		`,
			seg.MeetingID, seg.SessionUID, transcript.RoundMS(seg.RelativeStart),
			seg.RelativeStart, seg.RelativeEnd,
			seg.Text, seg.Speaker, seg.Language,
			seg.AbsoluteStart, seg.AbsoluteEnd,
			seg.TimeFallback, seg.UpdatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("%w: insert: %v", store.ErrUnavailable, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("%w: rows affected: %v", store.ErrUnavailable, err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", store.ErrUnavailable, err)
	}
	return inserted, nil
}

// ListByMeeting returns the meeting's stable segments in absolute time
// order.
func (s *Store) ListByMeeting(ctx context.Context, meetingID string) ([]transcript.Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select meeting_id, session_uid, relative_start, relative_end,
		       text, speaker, language,
		       absolute_start_time, absolute_end_time,
		       time_fallback, updated_at
		from transcript_segments
		where meeting_id = $1
		order by absolute_start_time asc, session_uid asc
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", store.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []transcript.Segment
	for rows.Next() {
		var seg transcript.Segment
		if err := rows.Scan(
			&seg.MeetingID, &seg.SessionUID, &seg.RelativeStart, &seg.RelativeEnd,
			&seg.Text, &seg.Speaker, &seg.Language,
			&seg.AbsoluteStart, &seg.AbsoluteEnd,
			&seg.TimeFallback, &seg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", store.ErrUnavailable, err)
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", store.ErrUnavailable, err)
	}
	return out, nil
}
