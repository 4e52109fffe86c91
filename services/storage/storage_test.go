package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"

	"graphflow/services/executor"
)

var (
	testWfID = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	testNow  = time.Now()
)

// setupSuccessMock configures all three queries (header, nodes, edges)
// to return valid data for a small workflow: one node row and one edge row.
func setupSuccessMock(mock pgxmock.PgxPoolIface) {
	mock.ExpectQuery("SELECT name, status, active_snapshot_id").
		WithArgs(testWfID).
		WillReturnRows(
			pgxmock.NewRows([]string{"name", "status", "active_snapshot_id", "created_at", "modified_at"}).
				AddRow("Ingest Pipeline", "draft", nil, testNow, testNow),
		)

	nodeMetadata := json.RawMessage(`{"nodeType":"Start"}`)
	mock.ExpectQuery("SELECT").
		WithArgs(testWfID).
		WillReturnRows(
			pgxmock.NewRows([]string{
				"instance_id", "node_type", "x_pos", "y_pos",
				"label", "base_description", "metadata",
			}).AddRow("start", "Start", -160.0, 300.0, "Start", "Pipeline entry point", nodeMetadata),
		)

	mock.ExpectQuery("SELECT edge_id").
		WithArgs(testWfID).
		WillReturnRows(
			pgxmock.NewRows([]string{
				"edge_id", "source_instance_id", "target_instance_id", "source_handle",
				"edge_type", "animated", "label", "style_props", "label_style",
			}).AddRow("e1", "start", "filter", nil, "default", false, nil, nil, nil),
		)
}

func TestGetWorkflow(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
		checkWf   func(t *testing.T, wf *Workflow)
	}{
		{
			name:      "success returns hydrated workflow",
			setupMock: setupSuccessMock,
			checkWf: func(t *testing.T, wf *Workflow) {
				t.Helper()
				if wf.Name != "Ingest Pipeline" {
					t.Errorf("expected name 'Ingest Pipeline', got %q", wf.Name)
				}
				if wf.Status != "draft" {
					t.Errorf("expected status 'draft', got %q", wf.Status)
				}
				if len(wf.Nodes) != 1 {
					t.Fatalf("expected 1 node, got %d", len(wf.Nodes))
				}
				if wf.Nodes[0].ID != "start" || wf.Nodes[0].Type != "Start" {
					t.Errorf("unexpected node: %+v", wf.Nodes[0])
				}
				if len(wf.Edges) != 1 || wf.Edges[0].Source != "start" || wf.Edges[0].Target != "filter" {
					t.Errorf("unexpected edges: %+v", wf.Edges)
				}
			},
		},
		{
			name: "workflow not found returns ErrNoRows",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery("SELECT name, status, active_snapshot_id").
					WithArgs(testWfID).
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: pgx.ErrNoRows,
		},
		{
			name: "node query failure propagates error",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery("SELECT name, status, active_snapshot_id").
					WithArgs(testWfID).
					WillReturnRows(
						pgxmock.NewRows([]string{"name", "status", "active_snapshot_id", "created_at", "modified_at"}).
							AddRow("Test", "draft", nil, testNow, testNow),
					)
				mock.ExpectQuery("SELECT").
					WithArgs(testWfID).
					WillReturnError(errors.New("connection lost"))
			},
			wantErr: errors.New("connection lost"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			if err != nil {
				t.Fatalf("failed to create mock pool: %v", err)
			}
			defer mock.Close()

			tt.setupMock(mock)

			store := &pgStorage{db: mock}
			wf, err := store.GetWorkflow(context.Background(), testWfID)

			if tt.wantErr != nil {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if err.Error() != tt.wantErr.Error() {
					t.Errorf("expected error %q, got %q", tt.wantErr, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkWf != nil {
				tt.checkWf(t, wf)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet mock expectations: %v", err)
			}
		})
	}
}

func TestInsertExecution(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	execID := uuid.New()
	mock.ExpectExec("INSERT INTO workflow_executions").
		WithArgs(execID, testWfID, pgxmock.AnyArg(), 5).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := &pgStorage{db: mock}
	err = store.InsertExecution(context.Background(), execID.String(), testWfID.String(), 5, testNow)
	if err != nil {
		t.Fatalf("InsertExecution: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}

func TestGetExecution(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	execID := uuid.New()
	mock.ExpectQuery("SELECT execution_id, workflow_id, status").
		WithArgs(execID).
		WillReturnRows(
			pgxmock.NewRows([]string{
				"execution_id", "workflow_id", "status", "start_time", "end_time",
				"total_nodes", "completed_nodes", "successful_nodes", "failed_nodes",
				"total_records", "total_execution_time_ms", "error_message",
			}).AddRow(execID, testWfID, "success", testNow, nil, 5, 5, 5, 0, int64(120), int64(340), nil),
		)

	store := &pgStorage{db: mock}
	we, err := store.GetExecution(context.Background(), execID.String())
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if we.Status != "success" || we.TotalNodes != 5 {
		t.Errorf("unexpected execution summary: %+v", we)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}

func TestInsertNodeExecution(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	execID := uuid.New().String()
	mock.ExpectExec("INSERT INTO node_executions").
		WithArgs(pgxmock.AnyArg(), uuid.MustParse(execID), "fetch", "FileSource", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := &pgStorage{db: mock}
	nodeExecID, err := store.InsertNodeExecution(context.Background(), execID, "fetch", "FileSource", testNow)
	if err != nil {
		t.Fatalf("InsertNodeExecution: %v", err)
	}
	if _, err := uuid.Parse(nodeExecID); err != nil {
		t.Errorf("expected a valid UUID node execution id, got %q", nodeExecID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}

func TestUpdateNodeExecution(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	nodeExecID := uuid.New()
	mock.ExpectExec("UPDATE node_executions").
		WithArgs("success", pgxmock.AnyArg(), int64(42), int64(100), pgxmock.AnyArg(), nodeExecID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := &pgStorage{db: mock}
	err = store.UpdateNodeExecution(context.Background(), nodeExecID.String(), executor.StatusSuccess, testNow, 42, 100, "")
	if err != nil {
		t.Fatalf("UpdateNodeExecution: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}

func TestReadExecutionStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	execID := uuid.New()
	mock.ExpectQuery("SELECT status FROM workflow_executions").
		WithArgs(execID).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("running"))

	store := &pgStorage{db: mock}
	status, err := store.ReadExecutionStatus(context.Background(), execID.String())
	if err != nil {
		t.Fatalf("ReadExecutionStatus: %v", err)
	}
	if status != "running" {
		t.Errorf("expected 'running', got %q", status)
	}
}

func TestRollupExecutionTotals(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	execID := uuid.New()
	mock.ExpectExec("UPDATE workflow_executions we").
		WithArgs(execID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := &pgStorage{db: mock}
	if err := store.RollupExecutionTotals(context.Background(), execID.String()); err != nil {
		t.Fatalf("RollupExecutionTotals: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}

func TestSaveNodeOutputRecords_BatchesInsertsOneStatementPerRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	execID := uuid.New()
	records := []map[string]any{{"a": 1}, {"a": 2}}
	for range records {
		mock.ExpectExec("INSERT INTO node_output_records").
			WithArgs(execID, "fetch", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	store := &pgStorage{db: mock}
	if err := store.SaveNodeOutputRecords(context.Background(), execID.String(), "fetch", records); err != nil {
		t.Fatalf("SaveNodeOutputRecords: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}
