package core

import (
	"math"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	historyPageDefault    int = 1
	historyPerPageDefault int = 50
)

// CallRecord is one classified, terminated call attempt.
type CallRecord struct {
	ID          int64      `json:"id,omitempty" db:"id"`
	CallID      CallID     `json:"call_id" db:"call_id"`
	CallerID    UserID     `json:"caller_id" db:"caller_id"`
	CalleeID    UserID     `json:"callee_id" db:"callee_id"`
	Reason      EndReason  `json:"reason" db:"reason"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt     time.Time  `json:"ended_at" db:"ended_at"`
	// DurationSeconds is connected time; zero for canceled and rejected calls.
	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`
}

type CallHistoryStorer interface {
	Save(*CallRecord) (*CallRecord, error)
	ForUser(userID UserID, page int, perPage int) (*CallHistoryPage, error)
}

type CallHistoryPage struct {
	Records    []*CallRecord
	TotalPages int
}

type CallHistoryRepository struct {
	db *sqlx.DB
}

func NewCallHistoryRepository(db *sqlx.DB) CallHistoryStorer {
	return &CallHistoryRepository{
		db: db,
	}
}

func (r *CallHistoryRepository) Save(record *CallRecord) (*CallRecord, error) {
	err := r.db.QueryRow(
		`INSERT INTO call_records
			(call_id, caller_id, callee_id, reason, started_at, connected_at, ended_at, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		record.CallID,
		record.CallerID,
		record.CalleeID,
		record.Reason,
		record.StartedAt,
		record.ConnectedAt,
		record.EndedAt,
		record.DurationSeconds,
	).Scan(&record.ID)
	if err != nil {
		return nil, err
	}

	return record, nil
}

func (r *CallHistoryRepository) ForUser(userID UserID, page int, perPage int) (*CallHistoryPage, error) {
	if page == 0 {
		page = historyPageDefault
	}
	if perPage == 0 {
		perPage = historyPerPageDefault
	}

	result := &CallHistoryPage{}

	var total int
	err := r.db.Get(&total,
		`SELECT COUNT(*) FROM call_records WHERE caller_id = $1 OR callee_id = $1`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	result.TotalPages = int(math.Ceil(float64(total) / float64(perPage)))

	records := []*CallRecord{}
	err = r.db.Select(&records,
		`SELECT
			id,
			call_id,
			caller_id,
			callee_id,
			reason,
			started_at,
			connected_at,
			ended_at,
			duration_seconds
		FROM call_records
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY ended_at DESC LIMIT $2 OFFSET $3`,
		userID, perPage, (page-1)*perPage,
	)
	if err != nil {
		return nil, err
	}

	result.Records = records

	return result, nil
}
