// Package sqlstore implements store.Store on SQL Server, sharing the
// CRM database so call logs and transfers land next to contact data.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/voxlane/callengine/internal/store"
)

// Store wraps a SQL Server connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to SQL Server and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sql server connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sql server: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool (used in tests).
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetFlow(ctx context.Context, orgID, flowID string) (*store.FlowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, is_default, definition, updated_at
		 FROM dbo.ivr_flows WHERE id = @p1 AND org_id = @p2`,
		flowID, orgID)
	return scanFlow(row)
}

func (s *Store) DefaultFlow(ctx context.Context, orgID string) (*store.FlowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT TOP 1 id, org_id, name, is_default, definition, updated_at
		 FROM dbo.ivr_flows WHERE org_id = @p1 AND is_default = 1
		 ORDER BY updated_at DESC`,
		orgID)
	return scanFlow(row)
}

func scanFlow(row *sql.Row) (*store.FlowRecord, error) {
	var r store.FlowRecord
	var def []byte
	err := row.Scan(&r.ID, &r.OrgID, &r.Name, &r.IsDefault, &def, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning flow: %w", err)
	}
	r.Definition = json.RawMessage(def)
	return &r, nil
}

func (s *Store) CreateCallLog(ctx context.Context, cl *store.CallLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dbo.call_logs
		 (id, org_id, call_id, direction, caller_phone, target_phone, contact_id, flow_id, status, started_at)
		 VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10)`,
		cl.ID, cl.OrgID, cl.CallID, cl.Direction, cl.CallerPhone, cl.TargetPhone,
		cl.ContactID, cl.FlowID, cl.Status, cl.StartedAt)
	if err != nil {
		return fmt.Errorf("inserting call log: %w", err)
	}
	return nil
}

func (s *Store) MarkCallAnswered(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dbo.call_logs SET answered_at = @p1, status = 'answered' WHERE id = @p2`,
		at, id)
	if err != nil {
		return fmt.Errorf("updating call log answer: %w", err)
	}
	return requireRow(res)
}

func (s *Store) UpdateMenuPath(ctx context.Context, id string, path json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dbo.call_logs SET menu_path = @p1 WHERE id = @p2`,
		[]byte(path), id)
	if err != nil {
		return fmt.Errorf("updating menu path: %w", err)
	}
	return requireRow(res)
}

func (s *Store) UpdateCallFlow(ctx context.Context, id, flowID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dbo.call_logs SET flow_id = @p1 WHERE id = @p2`,
		flowID, id)
	if err != nil {
		return fmt.Errorf("updating call flow: %w", err)
	}
	return requireRow(res)
}

func (s *Store) FinishCallLog(ctx context.Context, id string, at time.Time, status, reason, recordingRef string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dbo.call_logs
		 SET ended_at = @p1, status = @p2, end_reason = @p3,
		     recording_ref = CASE WHEN @p4 = '' THEN recording_ref ELSE @p4 END
		 WHERE id = @p5`,
		at, status, reason, recordingRef, id)
	if err != nil {
		return fmt.Errorf("finishing call log: %w", err)
	}
	return requireRow(res)
}

func (s *Store) GetCallLog(ctx context.Context, id string) (*store.CallLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, call_id, direction, caller_phone, target_phone, contact_id,
		        flow_id, status, end_reason, menu_path, recording_ref,
		        started_at, answered_at, ended_at
		 FROM dbo.call_logs WHERE id = @p1`, id)

	var cl store.CallLog
	var contactID, flowID, endReason, recordingRef sql.NullString
	var menuPath []byte
	var answeredAt, endedAt sql.NullTime
	err := row.Scan(&cl.ID, &cl.OrgID, &cl.CallID, &cl.Direction, &cl.CallerPhone,
		&cl.TargetPhone, &contactID, &flowID, &cl.Status, &endReason, &menuPath,
		&recordingRef, &cl.StartedAt, &answeredAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call log: %w", err)
	}

	cl.ContactID = contactID.String
	cl.FlowID = flowID.String
	cl.EndReason = endReason.String
	cl.RecordingRef = recordingRef.String
	cl.MenuPath = json.RawMessage(menuPath)
	if answeredAt.Valid {
		cl.AnsweredAt = &answeredAt.Time
	}
	if endedAt.Valid {
		cl.EndedAt = &endedAt.Time
	}
	return &cl, nil
}

func (s *Store) CreateTransfer(ctx context.Context, t *store.TransferRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dbo.call_transfers
		 (id, org_id, call_id, call_log_id, state, requested_at)
		 VALUES (@p1, @p2, @p3, @p4, @p5, @p6)`,
		t.ID, t.OrgID, t.CallID, t.CallLogID, t.State, t.RequestedAt)
	if err != nil {
		return fmt.Errorf("inserting transfer: %w", err)
	}
	return nil
}

func (s *Store) UpdateTransferState(ctx context.Context, id, state, agentID string, at time.Time) error {
	var query string
	switch state {
	case "connected":
		query = `UPDATE dbo.call_transfers
		         SET state = @p1, agent_id = @p2, connected_at = @p3 WHERE id = @p4`
	case "completed", "no_answer", "abandoned", "failed":
		query = `UPDATE dbo.call_transfers
		         SET state = @p1, agent_id = COALESCE(NULLIF(@p2, ''), agent_id), ended_at = @p3 WHERE id = @p4`
	default:
		query = `UPDATE dbo.call_transfers
		         SET state = @p1, agent_id = COALESCE(NULLIF(@p2, ''), agent_id) WHERE id = @p4`
	}

	res, err := s.db.ExecContext(ctx, query, state, agentID, at, id)
	if err != nil {
		return fmt.Errorf("updating transfer state: %w", err)
	}
	return requireRow(res)
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*store.TransferRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, call_id, call_log_id, state, agent_id,
		        requested_at, connected_at, ended_at
		 FROM dbo.call_transfers WHERE id = @p1`, id)

	var t store.TransferRecord
	var callLogID, agentID sql.NullString
	var connectedAt, endedAt sql.NullTime
	err := row.Scan(&t.ID, &t.OrgID, &t.CallID, &callLogID, &t.State, &agentID,
		&t.RequestedAt, &connectedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning transfer: %w", err)
	}

	t.CallLogID = callLogID.String
	t.AgentID = agentID.String
	if connectedAt.Valid {
		t.ConnectedAt = &connectedAt.Time
	}
	if endedAt.Valid {
		t.EndedAt = &endedAt.Time
	}
	return &t, nil
}

func (s *Store) GetCredentials(ctx context.Context, orgID string) (*store.OrgCredentials, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT org_id, phone_number_id, access_token, updated_at
		 FROM dbo.org_voice_credentials WHERE org_id = @p1`, orgID)

	var c store.OrgCredentials
	err := row.Scan(&c.OrgID, &c.PhoneNumberID, &c.AccessToken, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credentials: %w", err)
	}
	return &c, nil
}

func (s *Store) OrgByPhoneNumberID(ctx context.Context, phoneNumberID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT org_id FROM dbo.org_voice_credentials WHERE phone_number_id = @p1`,
		phoneNumberID)

	var orgID string
	err := row.Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("scanning org lookup: %w", err)
	}
	return orgID, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
