// Package statestore implements C1, the durable plan state store: an
// atomically-written JSON file holding every active StepRecord. Writes are
// serialized through a single in-process mutex and committed via
// temp-file-then-rename so no reader ever observes a partial write.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/trellis/pkg/models"
)

// ErrNotFound is returned by GetEntry when no record exists for (planId, stepId).
var ErrNotFound = errors.New("statestore: record not found")

const fileVersion = 1

type fileFormat struct {
	Version int                 `json:"version"`
	Steps   []models.StepRecord `json:"steps"`
}

// InitialState describes the fields Remember needs beyond the step itself.
type InitialState struct {
	InitialState   models.StepState
	IdempotencyKey string
	Attempt        int
	CreatedAt      time.Time
	Approvals      map[string]bool
}

// Store is the single-writer, durable JSON-backed state store.
type Store struct {
	path   string
	logger ectologger.Logger

	mu      sync.Mutex
	records map[string]models.StepRecord // key = planId:stepId
}

func key(planID, stepID string) string {
	return models.IdempotencyKeyFor(planID, stepID)
}

// Open loads the store from path, treating an absent or corrupt file as
// empty. A load error other than "file does not exist" is returned and must
// be treated as fatal to process startup by the caller.
func Open(path string, logger ectologger.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		logger:  logger,
		records: make(map[string]models.StepRecord),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("statestore: read %s: %w", path, err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		logger.WithError(err).Warnf("statestore: %s is corrupt, starting empty", path)
		return s, nil
	}

	for _, rec := range ff.Steps {
		s.records[key(rec.PlanID, rec.StepID)] = rec
	}
	return s, nil
}

// Remember creates or overwrites the StepRecord for (planId, step.ID).
func (s *Store) Remember(planID string, step models.PlanStep, traceID string, init InitialState) (models.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := init.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	rec := models.StepRecord{
		PlanID:         planID,
		StepID:         step.ID,
		Step:           step,
		TraceID:        traceID,
		State:          init.InitialState,
		Attempt:        init.Attempt,
		IdempotencyKey: init.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
		Approvals:      init.Approvals,
	}
	if rec.Approvals == nil {
		rec.Approvals = make(map[string]bool)
	}

	s.records[key(planID, step.ID)] = rec
	if err := s.persistLocked(); err != nil {
		return models.StepRecord{}, err
	}
	return rec.Clone(), nil
}

// SetStateOpts carries the optional fields SetState may update.
type SetStateOpts struct {
	Summary *string
	Output  map[string]any
	Attempt *int
}

// SetState updates a record's lifecycle fields. If the new state is terminal,
// the record is removed from active storage in the same write.
func (s *Store) SetState(planID, stepID string, state models.StepState, opts SetStateOpts) (models.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(planID, stepID)
	rec, ok := s.records[k]
	if !ok {
		return models.StepRecord{}, ErrNotFound
	}

	rec.State = state
	if opts.Summary != nil {
		rec.Summary = *opts.Summary
	}
	if opts.Output != nil {
		rec.Output = opts.Output
	}
	if opts.Attempt != nil {
		rec.Attempt = *opts.Attempt
	}
	rec.UpdatedAt = time.Now().UTC()

	if state.IsTerminal() {
		delete(s.records, k)
	} else {
		s.records[k] = rec
	}

	if err := s.persistLocked(); err != nil {
		return models.StepRecord{}, err
	}
	return rec.Clone(), nil
}

// RecordApproval sets approvals[capability] = granted on the active record.
func (s *Store) RecordApproval(planID, stepID, capability string, granted bool) (models.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(planID, stepID)
	rec, ok := s.records[k]
	if !ok {
		return models.StepRecord{}, ErrNotFound
	}
	if rec.Approvals == nil {
		rec.Approvals = make(map[string]bool)
	}
	rec.Approvals[capability] = granted
	rec.UpdatedAt = time.Now().UTC()
	s.records[k] = rec

	if err := s.persistLocked(); err != nil {
		return models.StepRecord{}, err
	}
	return rec.Clone(), nil
}

// Forget unconditionally removes a record.
func (s *Store) Forget(planID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(planID, stepID)
	if _, ok := s.records[k]; !ok {
		return nil
	}
	delete(s.records, k)
	return s.persistLocked()
}

// ListActive returns a snapshot of every active StepRecord, used at startup
// for crash recovery.
func (s *Store) ListActive() []models.StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.StepRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

// GetEntry returns the active record for (planId, stepId), or ErrNotFound.
func (s *Store) GetEntry(planID, stepID string) (models.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key(planID, stepID)]
	if !ok {
		return models.StepRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// persistLocked writes the current record set via temp-file-then-rename.
// Caller must hold s.mu.
func (s *Store) persistLocked() error {
	ff := fileFormat{Version: fileVersion, Steps: make([]models.StepRecord, 0, len(s.records))}
	for _, rec := range s.records {
		ff.Steps = append(ff.Steps, rec)
	}

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statestore: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "plan-state-*.tmp-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("statestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: rename temp file: %w", err)
	}

	return nil
}
