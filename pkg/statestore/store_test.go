package statestore

import (
	"path/filepath"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/trellis/pkg/models"
)

func testLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan-state.json")
	s, err := Open(path, testLogger())
	require.NoError(t, err)
	return s, path
}

func TestRememberAndGetEntry(t *testing.T) {
	s, _ := newTestStore(t)

	step := models.PlanStep{ID: "s1", Action: "read repo", Capability: "repo.read"}
	rec, err := s.Remember("plan-1", step, "trace-1", InitialState{
		InitialState:   models.StepQueued,
		IdempotencyKey: models.IdempotencyKeyFor("plan-1", "s1"),
	})
	require.NoError(t, err)
	require.Equal(t, models.StepQueued, rec.State)

	got, err := s.GetEntry("plan-1", "s1")
	require.NoError(t, err)
	require.Equal(t, "plan-1", got.PlanID)
	require.Equal(t, models.StepQueued, got.State)
}

func TestSetStateTerminalRemovesRecord(t *testing.T) {
	s, _ := newTestStore(t)
	step := models.PlanStep{ID: "s1"}
	_, err := s.Remember("plan-1", step, "trace-1", InitialState{InitialState: models.StepQueued})
	require.NoError(t, err)

	_, err = s.SetState("plan-1", "s1", models.StepCompleted, SetStateOpts{})
	require.NoError(t, err)

	_, err = s.GetEntry("plan-1", "s1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReopenReloadsActiveRecords(t *testing.T) {
	s, path := newTestStore(t)
	step := models.PlanStep{ID: "s1"}
	_, err := s.Remember("plan-1", step, "trace-1", InitialState{InitialState: models.StepRunning})
	require.NoError(t, err)

	reopened, err := Open(path, testLogger())
	require.NoError(t, err)

	active := reopened.ListActive()
	require.Len(t, active, 1)
	require.Equal(t, models.StepRunning, active[0].State)
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "missing.json"), testLogger())
	require.NoError(t, err)
	require.Empty(t, s.ListActive())
}

func TestRecordApproval(t *testing.T) {
	s, _ := newTestStore(t)
	step := models.PlanStep{ID: "s1", Capability: "repo.write"}
	_, err := s.Remember("plan-1", step, "trace-1", InitialState{InitialState: models.StepWaitingApproval})
	require.NoError(t, err)

	rec, err := s.RecordApproval("plan-1", "s1", "repo.write", true)
	require.NoError(t, err)
	require.True(t, rec.Approvals["repo.write"])
}
