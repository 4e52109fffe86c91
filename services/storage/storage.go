// Package storage adapts the reference service's pgx-backed repository
// into the two persistence boundaries SPEC_FULL.md needs: Storage, which
// loads/saves the workflow graph a WorkflowDefinition is built from, and
// the Persistence contract services/runtime depends on to record each
// execution's progress (spec.md §6). Both share the same *pgxpool.Pool. The
// Storage methods follow the reference service's transaction idiom: an
// explicit pgx.TxOptions isolation level per operation and a deferred
// tx.Rollback that is a no-op once Commit has run. The execution-tracking
// methods each run single statements directly on the pool.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"graphflow/services/executor"
)

// DB abstracts the database operations used by the storage layer.
// Satisfied by *pgxpool.Pool in production and pgxmock in tests.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// querier is satisfied by both pgx.Tx and pgxpool.Pool, allowing
// hydration helpers to work inside or outside transactions.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgStorage implements both Storage and the runtime Persistence contract
// using PostgreSQL.
type pgStorage struct {
	db DB
}

// Storage defines the interface for workflow-definition data access: the
// canvas graph a WorkflowDefinition/plan.Builder compiles from.
type Storage interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error)
	UpsertWorkflow(ctx context.Context, wf *Workflow) error
	DeleteWorkflow(ctx context.Context, id uuid.UUID) error
	PublishWorkflow(ctx context.Context, id uuid.UUID) (*WorkflowSnapshot, error)
	GetActiveSnapshot(ctx context.Context, workflowID uuid.UUID) (*WorkflowSnapshot, error)
}

// ExecutionStore is the execution-tracking boundary the workflow facade
// depends on: it embeds the runtime.Persistence contract (satisfied
// structurally, without importing services/runtime here and risking an
// import cycle) plus the job-level bookkeeping methods the facade itself
// needs around a Runtime.Run call.
type ExecutionStore interface {
	InsertExecution(ctx context.Context, executionID, workflowID string, totalNodes int, startTime time.Time) error
	GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)

	InsertNodeExecution(ctx context.Context, executionID, nodeID, nodeType string, startTime time.Time) (string, error)
	UpdateNodeExecution(ctx context.Context, nodeExecutionID string, status executor.Status, endTime time.Time, durationMs int64, recordsProcessed int64, errorMessage string) error
	ReadExecutionStatus(ctx context.Context, executionID string) (string, error)
	UpdateExecutionStatus(ctx context.Context, executionID, status string, endTime time.Time, errorMessage string) error
	RollupExecutionTotals(ctx context.Context, executionID string) error
	AppendExecutionLog(ctx context.Context, executionID string, ts time.Time, level, nodeID, message, stackTrace string) error
	SaveNodeOutputRecords(ctx context.Context, executionID, nodeID string, records []map[string]any) error
}

// NewInstance creates a new PostgreSQL-backed Storage implementation.
func NewInstance(db *pgxpool.Pool) (Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("repository: db connection cannot be nil")
	}
	return &pgStorage{db: db}, nil
}

// NewExecutionStore creates a new PostgreSQL-backed ExecutionStore (also
// satisfying runtime.Persistence). Kept as a distinct constructor from
// NewInstance because a deployment may point execution tracking at a
// different pool/schema than the workflow-definition store (e.g. a hot
// path vs. an archival one).
func NewExecutionStore(db *pgxpool.Pool) (ExecutionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("repository: db connection cannot be nil")
	}
	return &pgStorage{db: db}, nil
}

// hydrateNodes fetches workflow nodes by joining instance positions with library blueprints.
func hydrateNodes(ctx context.Context, q querier, workflowID uuid.UUID) ([]Node, error) {
	rows, err := q.Query(ctx, `
        SELECT
            i.instance_id,
            l.node_type,
            i.x_pos, i.y_pos,
            l.base_label as label,
            l.base_description,
            l.metadata
        FROM workflow_node_instances i
        JOIN node_library l ON i.node_library_id = l.id
        WHERE i.workflow_id = $1 AND l.deleted_at IS NULL`,
		workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		err := rows.Scan(
			&n.ID,
			&n.Type,
			&n.Position.X, &n.Position.Y,
			&n.Data.Label,
			&n.Data.Description,
			&n.Data.Metadata,
		)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// hydrateEdges fetches workflow edges with their visual properties.
func hydrateEdges(ctx context.Context, q querier, workflowID uuid.UUID) ([]Edge, error) {
	rows, err := q.Query(ctx, `
        SELECT edge_id, source_instance_id, target_instance_id, source_handle,
               edge_type, animated, label, style_props, label_style
        FROM workflow_edges
        WHERE workflow_id = $1`,
		workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		err := rows.Scan(
			&e.ID,
			&e.Source,
			&e.Target,
			&e.SourceHandle,
			&e.Type,
			&e.Animated,
			&e.Label,
			&e.Style,
			&e.LabelStyle,
		)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return edges, nil
}

// GetWorkflow retrieves a complete workflow by ID, hydrating it from three tables:
//   - workflows: the container (name, status, timestamps)
//   - workflow_node_instances + node_library: canvas positions joined with reusable blueprints
//   - workflow_edges: directed connections between node instances
func (r *pgStorage) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Wrap all queries in a read-only transaction so the three SELECTs
	// (header, nodes, edges) see a consistent snapshot of the database.
	tx, err := r.db.BeginTx(timeoutCtx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(timeoutCtx)

	wf := &Workflow{
		ID:    id,
		Nodes: []Node{},
		Edges: []Edge{},
	}

	err = tx.QueryRow(timeoutCtx, `
        SELECT name, status, active_snapshot_id, created_at, modified_at
        FROM workflows
        WHERE id = $1 AND deleted_at IS NULL`,
		id).Scan(&wf.Name, &wf.Status, &wf.ActiveSnapshotID, &wf.CreatedAt, &wf.ModifiedAt)
	if err != nil {
		return nil, err // pgx.ErrNoRows if not found
	}

	nodes, err := hydrateNodes(timeoutCtx, tx, id)
	if err != nil {
		return nil, err
	}
	if nodes != nil {
		wf.Nodes = nodes
	}

	edges, err := hydrateEdges(timeoutCtx, tx, id)
	if err != nil {
		return nil, err
	}
	if edges != nil {
		wf.Edges = edges
	}

	return wf, tx.Commit(timeoutCtx)
}

// UpsertWorkflow saves a workflow in a single READ COMMITTED transaction:
//  1. Upserts the workflow header, clearing deleted_at on re-save
//  2. Deletes then re-inserts all workflow_node_instances (mapping node types to node_library IDs)
//  3. Deletes then re-inserts all workflow_edges with their visual properties
//
// The delete-and-reinsert strategy keeps the write path simple at the cost of
// replacing every child row on each save.
func (r *pgStorage) UpsertWorkflow(ctx context.Context, wf *Workflow) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(timeoutCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction for upsert: %w", err)
	}
	defer tx.Rollback(timeoutCtx)

	now := time.Now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.ModifiedAt = now
	if wf.Status == "" {
		wf.Status = "draft"
	}

	_, err = tx.Exec(timeoutCtx, `
        INSERT INTO workflows (id, name, status, created_at, modified_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name,
            modified_at = EXCLUDED.modified_at,
            deleted_at = NULL;`,
		wf.ID, wf.Name, wf.Status, wf.CreatedAt, wf.ModifiedAt)
	if err != nil {
		return fmt.Errorf("upsert workflow header: %w", err)
	}

	_, err = tx.Exec(timeoutCtx, `DELETE FROM workflow_node_instances WHERE workflow_id = $1;`, wf.ID)
	if err != nil {
		return fmt.Errorf("delete old workflow node instances: %w", err)
	}

	nodeLibraryIDs := make(map[string]uuid.UUID)
	nodeLibraryRows, err := tx.Query(timeoutCtx, `SELECT id, node_type FROM node_library;`)
	if err != nil {
		return fmt.Errorf("query node_library for IDs: %w", err)
	}
	defer nodeLibraryRows.Close()

	for nodeLibraryRows.Next() {
		var id uuid.UUID
		var nodeType string
		if err := nodeLibraryRows.Scan(&id, &nodeType); err != nil {
			return fmt.Errorf("scan node_library row: %w", err)
		}
		nodeLibraryIDs[nodeType] = id
	}
	if err := nodeLibraryRows.Err(); err != nil {
		return fmt.Errorf("node_library rows error: %w", err)
	}

	for _, node := range wf.Nodes {
		nodeLibraryID, ok := nodeLibraryIDs[node.Type]
		if !ok {
			return fmt.Errorf("node type %s not found in node_library", node.Type)
		}

		_, err = tx.Exec(timeoutCtx, `
            INSERT INTO workflow_node_instances (workflow_id, instance_id, node_library_id, x_pos, y_pos)
            VALUES ($1, $2, $3, $4, $5);`,
			wf.ID, node.ID, nodeLibraryID, node.Position.X, node.Position.Y)
		if err != nil {
			return fmt.Errorf("insert workflow node instance %s: %w", node.ID, err)
		}
	}

	_, err = tx.Exec(timeoutCtx, `DELETE FROM workflow_edges WHERE workflow_id = $1;`, wf.ID)
	if err != nil {
		return fmt.Errorf("delete old workflow edges: %w", err)
	}

	for _, edge := range wf.Edges {
		_, err = tx.Exec(timeoutCtx, `
            INSERT INTO workflow_edges (
                workflow_id, edge_id, source_instance_id, target_instance_id, source_handle,
                edge_type, animated, label, style_props, label_style
            ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);`,
			wf.ID, edge.ID, edge.Source, edge.Target, edge.SourceHandle,
			edge.Type, edge.Animated, edge.Label, edge.Style, edge.LabelStyle)
		if err != nil {
			return fmt.Errorf("insert workflow edge %s: %w", edge.ID, err)
		}
	}

	return tx.Commit(timeoutCtx)
}

// DeleteWorkflow removes a workflow in a single READ COMMITTED transaction:
//  1. Hard-deletes all workflow_edges for the workflow
//  2. Hard-deletes all workflow_node_instances for the workflow
//  3. Soft-deletes the workflow header (sets deleted_at and modified_at)
//
// Returns pgx.ErrNoRows if the workflow does not exist.
func (r *pgStorage) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(timeoutCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction for delete: %w", err)
	}
	defer tx.Rollback(timeoutCtx)

	_, err = tx.Exec(timeoutCtx, `DELETE FROM workflow_edges WHERE workflow_id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete workflow edges: %w", err)
	}

	_, err = tx.Exec(timeoutCtx, `DELETE FROM workflow_node_instances WHERE workflow_id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete workflow node instances: %w", err)
	}

	result, err := tx.Exec(timeoutCtx, `
        UPDATE workflows
        SET deleted_at = $1, modified_at = $1
        WHERE id = $2;`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("soft delete workflow header: %w", err)
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return tx.Commit(timeoutCtx)
}

// PublishWorkflow creates an immutable snapshot of the workflow's current DAG
// within a REPEATABLE READ transaction. The snapshot freezes nodes and edges
// so that future execution is decoupled from live node_library changes.
func (r *pgStorage) PublishWorkflow(ctx context.Context, id uuid.UUID) (*WorkflowSnapshot, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(timeoutCtx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin transaction for publish: %w", err)
	}
	defer tx.Rollback(timeoutCtx)

	var name string
	err = tx.QueryRow(timeoutCtx, `
        SELECT name FROM workflows
        WHERE id = $1 AND deleted_at IS NULL`,
		id).Scan(&name)
	if err != nil {
		return nil, err
	}

	nodes, err := hydrateNodes(timeoutCtx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("hydrate nodes for publish: %w", err)
	}
	edges, err := hydrateEdges(timeoutCtx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("hydrate edges for publish: %w", err)
	}

	dagData := DagData{Nodes: nodes, Edges: edges}
	if dagData.Nodes == nil {
		dagData.Nodes = []Node{}
	}
	if dagData.Edges == nil {
		dagData.Edges = []Edge{}
	}
	dagJSON, err := json.Marshal(dagData)
	if err != nil {
		return nil, fmt.Errorf("marshal dag data: %w", err)
	}

	var nextVersion int
	err = tx.QueryRow(timeoutCtx, `
        SELECT COALESCE(MAX(version_number), 0) + 1
        FROM workflow_snapshots
        WHERE workflow_id = $1`,
		id).Scan(&nextVersion)
	if err != nil {
		return nil, fmt.Errorf("get next version: %w", err)
	}

	snap := &WorkflowSnapshot{WorkflowID: id, VersionNumber: nextVersion, DagData: dagData}
	err = tx.QueryRow(timeoutCtx, `
        INSERT INTO workflow_snapshots (workflow_id, version_number, dag_data)
        VALUES ($1, $2, $3)
        RETURNING id, published_at`,
		id, nextVersion, dagJSON).Scan(&snap.ID, &snap.PublishedAt)
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}

	_, err = tx.Exec(timeoutCtx, `
        UPDATE workflows
        SET status = 'published', active_snapshot_id = $1
        WHERE id = $2`,
		snap.ID, id)
	if err != nil {
		return nil, fmt.Errorf("update workflow status: %w", err)
	}

	if err := tx.Commit(timeoutCtx); err != nil {
		return nil, fmt.Errorf("commit publish: %w", err)
	}
	return snap, nil
}

// GetActiveSnapshot retrieves the currently active snapshot for a workflow.
// Returns pgx.ErrNoRows if the workflow has no active snapshot (i.e. is a draft).
func (r *pgStorage) GetActiveSnapshot(ctx context.Context, workflowID uuid.UUID) (*WorkflowSnapshot, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	snap := &WorkflowSnapshot{}
	var dagJSON []byte

	err := r.db.QueryRow(timeoutCtx, `
        SELECT s.id, s.workflow_id, s.version_number, s.dag_data, s.published_at
        FROM workflow_snapshots s
        JOIN workflows w ON w.active_snapshot_id = s.id
        WHERE w.id = $1 AND w.deleted_at IS NULL`,
		workflowID).Scan(&snap.ID, &snap.WorkflowID, &snap.VersionNumber, &dagJSON, &snap.PublishedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(dagJSON, &snap.DagData); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot dag_data: %w", err)
	}
	return snap, nil
}

// --- runtime.Persistence implementation (spec.md §6) ---
//
// executionID/nodeExecutionID travel as strings across this boundary (the
// interface services/runtime depends on), parsed to uuid.UUID here for the
// actual query parameters.

const outputBatchSize = 500

// InsertExecution creates the job-level workflow_executions row a
// triggered run's node-level and status updates attach to. Called by the
// workflow facade before handing the compiled job to runtime.Runtime, since
// the Persistence contract's UpdateExecutionStatus/RollupExecutionTotals
// assume the row already exists.
func (r *pgStorage) InsertExecution(ctx context.Context, executionID, workflowID string, totalNodes int, startTime time.Time) error {
	execUUID, err := uuid.Parse(executionID)
	if err != nil {
		return fmt.Errorf("parse executionId: %w", err)
	}
	wfUUID, err := uuid.Parse(workflowID)
	if err != nil {
		return fmt.Errorf("parse workflowId: %w", err)
	}

	_, err = r.db.Exec(ctx, `
        INSERT INTO workflow_executions (execution_id, workflow_id, status, start_time, total_nodes)
        VALUES ($1, $2, 'running', $3, $4);`,
		execUUID, wfUUID, startTime, totalNodes)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution reads back a job's execution summary for status polling.
func (r *pgStorage) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	execUUID, err := uuid.Parse(executionID)
	if err != nil {
		return nil, fmt.Errorf("parse executionId: %w", err)
	}

	var we WorkflowExecution
	err = r.db.QueryRow(ctx, `
        SELECT execution_id, workflow_id, status, start_time, end_time,
               total_nodes, completed_nodes, successful_nodes, failed_nodes,
               total_records, total_execution_time_ms, error_message
        FROM workflow_executions WHERE execution_id = $1;`, execUUID).Scan(
		&we.ExecutionID, &we.WorkflowID, &we.Status, &we.StartTime, &we.EndTime,
		&we.TotalNodes, &we.CompletedNodes, &we.SuccessfulNodes, &we.FailedNodes,
		&we.TotalRecords, &we.TotalExecutionTimeMs, &we.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &we, nil
}

// InsertNodeExecution records a node's execution start and returns its
// generated node-execution ID.
func (r *pgStorage) InsertNodeExecution(ctx context.Context, executionID, nodeID, nodeType string, startTime time.Time) (string, error) {
	execUUID, err := uuid.Parse(executionID)
	if err != nil {
		return "", fmt.Errorf("parse executionId: %w", err)
	}
	nodeExecID := uuid.New()

	_, err = r.db.Exec(ctx, `
        INSERT INTO node_executions (id, execution_id, node_id, node_type, status, start_time)
        VALUES ($1, $2, $3, $4, 'running', $5);`,
		nodeExecID, execUUID, nodeID, nodeType, startTime)
	if err != nil {
		return "", fmt.Errorf("insert node execution: %w", err)
	}
	return nodeExecID.String(), nil
}

// UpdateNodeExecution records a node's terminal status once its executor
// has returned.
func (r *pgStorage) UpdateNodeExecution(ctx context.Context, nodeExecutionID string, status executor.Status, endTime time.Time, durationMs int64, recordsProcessed int64, errorMessage string) error {
	id, err := uuid.Parse(nodeExecutionID)
	if err != nil {
		return fmt.Errorf("parse nodeExecutionId: %w", err)
	}

	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}

	_, err = r.db.Exec(ctx, `
        UPDATE node_executions
        SET status = $1, end_time = $2, execution_time_ms = $3, records_processed = $4, error_message = $5
        WHERE id = $6;`,
		string(status), endTime, durationMs, recordsProcessed, errMsg, id)
	if err != nil {
		return fmt.Errorf("update node execution: %w", err)
	}
	return nil
}

// ReadExecutionStatus returns a job's current status, used by the runtime
// to poll for cooperative cancellation at step boundaries.
func (r *pgStorage) ReadExecutionStatus(ctx context.Context, executionID string) (string, error) {
	execUUID, err := uuid.Parse(executionID)
	if err != nil {
		return "", fmt.Errorf("parse executionId: %w", err)
	}

	var status string
	err = r.db.QueryRow(ctx, `SELECT status FROM workflow_executions WHERE execution_id = $1;`, execUUID).Scan(&status)
	if err != nil {
		return "", err
	}
	return status, nil
}

// UpdateExecutionStatus sets a job's final (or cancel-in-progress) status.
func (r *pgStorage) UpdateExecutionStatus(ctx context.Context, executionID, status string, endTime time.Time, errorMessage string) error {
	execUUID, err := uuid.Parse(executionID)
	if err != nil {
		return fmt.Errorf("parse executionId: %w", err)
	}

	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}
	var endTimeArg *time.Time
	if !endTime.IsZero() {
		endTimeArg = &endTime
	}

	_, err = r.db.Exec(ctx, `
        UPDATE workflow_executions
        SET status = $1, end_time = $2, error_message = $3
        WHERE execution_id = $4;`,
		status, endTimeArg, errMsg, execUUID)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	return nil
}

// RollupExecutionTotals recomputes a job's aggregate counters from its
// node_executions children; the runtime calls it once a job reaches its
// final status (spec.md §4.H: "persistence hooks ... job completion
// with status rollup").
func (r *pgStorage) RollupExecutionTotals(ctx context.Context, executionID string) error {
	execUUID, err := uuid.Parse(executionID)
	if err != nil {
		return fmt.Errorf("parse executionId: %w", err)
	}

	_, err = r.db.Exec(ctx, `
        UPDATE workflow_executions we
        SET
            total_nodes = sub.total_nodes,
            completed_nodes = sub.completed_nodes,
            successful_nodes = sub.successful_nodes,
            failed_nodes = sub.failed_nodes,
            total_records = sub.total_records,
            total_execution_time_ms = sub.total_execution_time_ms
        FROM (
            SELECT
                execution_id,
                COUNT(*) AS total_nodes,
                COUNT(*) FILTER (WHERE status IN ('success','failed','stopped','skipped')) AS completed_nodes,
                COUNT(*) FILTER (WHERE status = 'success') AS successful_nodes,
                COUNT(*) FILTER (WHERE status IN ('failed','stopped')) AS failed_nodes,
                COALESCE(SUM(records_processed), 0) AS total_records,
                COALESCE(SUM(execution_time_ms), 0) AS total_execution_time_ms
            FROM node_executions
            WHERE execution_id = $1
            GROUP BY execution_id
        ) sub
        WHERE we.execution_id = sub.execution_id;`,
		execUUID)
	if err != nil {
		return fmt.Errorf("rollup execution totals: %w", err)
	}
	return nil
}

// AppendExecutionLog writes one line to an execution's append-only log.
func (r *pgStorage) AppendExecutionLog(ctx context.Context, executionID string, ts time.Time, level, nodeID, message, stackTrace string) error {
	execUUID, err := uuid.Parse(executionID)
	if err != nil {
		return fmt.Errorf("parse executionId: %w", err)
	}

	var nodeIDArg, stackTraceArg *string
	if nodeID != "" {
		nodeIDArg = &nodeID
	}
	if stackTrace != "" {
		stackTraceArg = &stackTrace
	}

	_, err = r.db.Exec(ctx, `
        INSERT INTO execution_logs (timestamp, level, execution_id, node_id, message, stack_trace)
        VALUES ($1, $2, $3, $4, $5, $6);`,
		ts, level, execUUID, nodeIDArg, message, stackTraceArg)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// SaveNodeOutputRecords persists a node's output records, walking them in
// groups of outputBatchSize (spec.md §6) and inserting each record with its
// own single-row INSERT statement.
func (r *pgStorage) SaveNodeOutputRecords(ctx context.Context, executionID, nodeID string, records []map[string]any) error {
	execUUID, err := uuid.Parse(executionID)
	if err != nil {
		return fmt.Errorf("parse executionId: %w", err)
	}

	for start := 0; start < len(records); start += outputBatchSize {
		end := start + outputBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		for _, rec := range batch {
			payload, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal output record: %w", err)
			}
			_, err = r.db.Exec(ctx, `
                INSERT INTO node_output_records (execution_id, node_id, payload)
                VALUES ($1, $2, $3);`,
				execUUID, nodeID, payload)
			if err != nil {
				return fmt.Errorf("save node output record: %w", err)
			}
		}
	}
	return nil
}
