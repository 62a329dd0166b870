package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/workflow"
)

// HistoryStore is the SQLite implementation of workflow.HistoryStore: the
// instance table plus the append-only step log replay runs against.
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates a history store over the shared handle.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) SaveInstance(ctx context.Context, in *workflow.Instance) error {
	// First write wins, like step records: a resubmitted instance id must
	// not reset a finished instance or clear its output.
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO instances (id, orchestration, status, custom_status, created_time, last_updated_time, input, output, timeout_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		in.ID, in.Orchestration, string(in.Status), in.CustomStatus,
		in.CreatedTime, in.LastUpdatedTime,
		nullableJSON(in.Input), nullableJSON(in.Output),
		in.Timeout.Milliseconds())
	if err != nil {
		return fmt.Errorf("save instance %s: %w", in.ID, err)
	}
	return nil
}

func (s *HistoryStore) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	var (
		in            workflow.Instance
		status        string
		input, output sql.NullString
		timeoutMS     int64
	)
	err := s.db.db.QueryRowContext(ctx,
		`SELECT id, orchestration, status, custom_status, created_time, last_updated_time, input, output, timeout_ms
		 FROM instances WHERE id = ?`, id).
		Scan(&in.ID, &in.Orchestration, &status, &in.CustomStatus,
			&in.CreatedTime, &in.LastUpdatedTime, &input, &output, &timeoutMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	in.Status = model.RuntimeStatus(status)
	if input.Valid {
		in.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		in.Output = json.RawMessage(output.String)
	}
	in.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return &in, nil
}

func (s *HistoryStore) UpdateInstanceStatus(ctx context.Context, id string, status model.RuntimeStatus, output json.RawMessage) error {
	var err error
	if output != nil {
		_, err = s.db.db.ExecContext(ctx,
			`UPDATE instances SET status = ?, output = ?, last_updated_time = ? WHERE id = ?`,
			string(status), string(output), time.Now().UTC(), id)
	} else {
		_, err = s.db.db.ExecContext(ctx,
			`UPDATE instances SET status = ?, last_updated_time = ? WHERE id = ?`,
			string(status), time.Now().UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("update instance %s: %w", id, err)
	}
	return nil
}

func (s *HistoryStore) SetCustomStatus(ctx context.Context, id, status string) error {
	_, err := s.db.db.ExecContext(ctx,
		`UPDATE instances SET custom_status = ?, last_updated_time = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set custom status %s: %w", id, err)
	}
	return nil
}

func (s *HistoryStore) SaveStep(ctx context.Context, rec *workflow.StepRecord) error {
	var errJSON any
	if rec.Error != nil {
		b, err := json.Marshal(rec.Error)
		if err != nil {
			return fmt.Errorf("marshal step error: %w", err)
		}
		errJSON = string(b)
	}
	// First write wins: a replayed step never overwrites the recorded
	// outcome.
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO steps (instance_id, step_key, kind, output, error, attempts, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (instance_id, step_key) DO NOTHING`,
		rec.InstanceID, rec.StepKey, string(rec.Kind),
		nullableJSON(rec.Output), errJSON, rec.Attempts, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("save step %s/%s: %w", rec.InstanceID, rec.StepKey, err)
	}
	return nil
}

func (s *HistoryStore) GetStep(ctx context.Context, instanceID, stepKey string) (*workflow.StepRecord, error) {
	var (
		rec          workflow.StepRecord
		kind         string
		output, cerr sql.NullString
	)
	err := s.db.db.QueryRowContext(ctx,
		`SELECT instance_id, step_key, kind, output, error, attempts, recorded_at
		 FROM steps WHERE instance_id = ? AND step_key = ?`, instanceID, stepKey).
		Scan(&rec.InstanceID, &rec.StepKey, &kind, &output, &cerr, &rec.Attempts, &rec.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step %s/%s: %w", instanceID, stepKey, err)
	}
	rec.Kind = workflow.StepKind(kind)
	if output.Valid {
		rec.Output = json.RawMessage(output.String)
	}
	if cerr.Valid {
		var ce model.CommandError
		if err := json.Unmarshal([]byte(cerr.String), &ce); err != nil {
			return nil, fmt.Errorf("decode step error: %w", err)
		}
		rec.Error = &ce
	}
	return &rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
