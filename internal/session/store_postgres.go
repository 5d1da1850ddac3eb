package session

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists call sessions via database/sql (pgx stdlib driver).
//
// Schema (managed outside this package):
//
//	CREATE TABLE call_sessions (
//	    id               TEXT PRIMARY KEY,
//	    account_id       TEXT NOT NULL,
//	    provider_call_id TEXT NOT NULL UNIQUE,
//	    caller_number    TEXT NOT NULL,
//	    dialed_number    TEXT NOT NULL,
//	    caller_name      TEXT NOT NULL DEFAULT '',
//	    state            TEXT NOT NULL,
//	    outcome          TEXT NOT NULL DEFAULT '',
//	    intent           TEXT NOT NULL DEFAULT '',
//	    property_id      TEXT NOT NULL DEFAULT '',
//	    unit_id          TEXT NOT NULL DEFAULT '',
//	    trade            TEXT NOT NULL DEFAULT '',
//	    severity         TEXT NOT NULL DEFAULT '',
//	    incident_id      TEXT NOT NULL DEFAULT '',
//	    start_time       TIMESTAMPTZ NOT NULL,
//	    end_time         TIMESTAMPTZ,
//	    ai_start_time    TIMESTAMPTZ,
//	    ai_end_time      TIMESTAMPTZ,
//	    total_minutes    INT NOT NULL DEFAULT 0,
//	    ai_minutes       INT NOT NULL DEFAULT 0,
//	    transcript       TEXT NOT NULL DEFAULT '',
//	    summary          TEXT NOT NULL DEFAULT '',
//	    billable_minor   BIGINT NOT NULL DEFAULT 0
//	);
//	CREATE INDEX call_sessions_account_idx ON call_sessions (account_id, start_time DESC);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const sessionColumns = `id, account_id, provider_call_id, caller_number, dialed_number, caller_name,
state, outcome, intent, property_id, unit_id, trade, severity, incident_id,
start_time, end_time, ai_start_time, ai_end_time, total_minutes, ai_minutes,
transcript, summary, billable_minor`

func (p *PostgresStore) Create(ctx context.Context, sess CallSession) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO call_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		sess.ID, sess.AccountID, sess.ProviderCallID, sess.CallerNumber, sess.DialedNumber, sess.CallerName,
		string(sess.State), string(sess.Outcome), sess.Intent, sess.PropertyID, sess.UnitID,
		sess.Trade, sess.Severity, sess.IncidentID,
		sess.StartTime, nullTime(sess.EndTime), nullTime(sess.AIStartTime), nullTime(sess.AIEndTime),
		sess.TotalMinutes, sess.AIMinutes, sess.Transcript, sess.Summary, sess.BillableMinor,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (CallSession, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (p *PostgresStore) GetByProviderCallID(ctx context.Context, providerCallID string) (CallSession, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE provider_call_id = $1`, providerCallID)
	return scanSession(row)
}

func (p *PostgresStore) Update(ctx context.Context, sess CallSession) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE call_sessions SET
			caller_name = $2,
			state = $3, outcome = $4, intent = $5, property_id = $6, unit_id = $7,
			trade = $8, severity = $9, incident_id = $10,
			end_time = $11, ai_start_time = $12, ai_end_time = $13,
			total_minutes = $14, ai_minutes = $15,
			transcript = $16, summary = $17, billable_minor = $18
		WHERE id = $1`,
		sess.ID, sess.CallerName,
		string(sess.State), string(sess.Outcome), sess.Intent, sess.PropertyID, sess.UnitID,
		sess.Trade, sess.Severity, sess.IncidentID,
		nullTime(sess.EndTime), nullTime(sess.AIStartTime), nullTime(sess.AIEndTime),
		sess.TotalMinutes, sess.AIMinutes,
		sess.Transcript, sess.Summary, sess.BillableMinor,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]CallSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM call_sessions
		WHERE account_id = $1
		ORDER BY start_time DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (CallSession, error) {
	var sess CallSession
	var state, outcome string
	var endTime, aiStart, aiEnd sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.AccountID, &sess.ProviderCallID, &sess.CallerNumber, &sess.DialedNumber, &sess.CallerName,
		&state, &outcome, &sess.Intent, &sess.PropertyID, &sess.UnitID,
		&sess.Trade, &sess.Severity, &sess.IncidentID,
		&sess.StartTime, &endTime, &aiStart, &aiEnd,
		&sess.TotalMinutes, &sess.AIMinutes,
		&sess.Transcript, &sess.Summary, &sess.BillableMinor,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return CallSession{}, ErrNotFound
	}
	if err != nil {
		return CallSession{}, err
	}
	sess.State = State(state)
	sess.Outcome = Outcome(outcome)
	sess.EndTime = timePtr(endTime)
	sess.AIStartTime = timePtr(aiStart)
	sess.AIEndTime = timePtr(aiEnd)
	return sess, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	out := t.Time
	return &out
}
