package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteLeadCreatesDealAndMarksRouted(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewDealRepo(db)

	leadID, pipelineID, stageID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO deals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE leads").
		WithArgs(leadID, pipelineID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := repo.RouteLead(context.Background(), leadID, pipelineID, stageID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRouteLeadIdempotentOnExistingDeal(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewDealRepo(db)

	leadID, pipelineID, stageID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectBegin()
	// Unique (lead_id, pipeline_id) already taken
	mock.ExpectExec("INSERT INTO deals").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE leads").
		WithArgs(leadID, pipelineID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := repo.RouteLead(context.Background(), leadID, pipelineID, stageID)
	require.NoError(t, err)
	assert.False(t, created, "second routing must not create a second deal")
}

func TestRouteLeadRollsBackOnLeadUpdateFailure(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewDealRepo(db)

	leadID, pipelineID, stageID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO deals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE leads").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := repo.RouteLead(context.Background(), leadID, pipelineID, stageID)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForLead(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewDealRepo(db)

	leadID := uuid.New()
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "lead_id", "pipeline_id", "stage_id", "position", "value",
		"currency", "status", "stage_entered_at", "assigned_to", "closed_at", "created_at",
	}).AddRow(
		uuid.New(), leadID, uuid.New(), uuid.New(), 1, 0.0,
		"EUR", "open", now, nil, nil, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM deals").
		WithArgs(leadID).
		WillReturnRows(rows)

	deals, err := repo.ForLead(context.Background(), leadID)
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, leadID, deals[0].LeadID)
}

func TestStaleInStage(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewDealRepo(db)

	stageID := uuid.New()
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "lead_id", "pipeline_id", "stage_id", "position", "value",
		"currency", "status", "stage_entered_at", "assigned_to", "closed_at", "created_at",
	}).AddRow(
		uuid.New(), uuid.New(), uuid.New(), stageID, 1, 0.0,
		"EUR", "open", now.Add(-72*time.Hour), nil, nil, now.Add(-72*time.Hour),
	)
	mock.ExpectQuery("SELECT (.+) FROM deals").
		WillReturnRows(rows)

	deals, err := repo.StaleInStage(context.Background(), stageID, now.Add(-48*time.Hour))
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, stageID, deals[0].StageID)
}
