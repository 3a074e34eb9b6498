package flow

import (
	"context"

	"github.com/friendsofgo/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines the interface for flow data access
type Repository interface {
	GetFlow(ctx context.Context, id uuid.UUID) (*Flow, error)
	GetNodesByFlowID(ctx context.Context, flowID uuid.UUID) ([]Node, error)
	GetEdgesByFlowID(ctx context.Context, flowID uuid.UUID) ([]Edge, error)
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgresRepository
func NewRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetFlow retrieves a flow by ID. A missing flow yields pgx.ErrNoRows.
func (r *PostgresRepository) GetFlow(ctx context.Context, id uuid.UUID) (*Flow, error) {
	query := `
		SELECT id, name, description, is_active, capture_context, created_at, updated_at
		FROM flows
		WHERE id = $1
	`

	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, errors.Wrapf(err, "query flow %s", id)
	}
	defer rows.Close()

	flow, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[Flow])
	if err != nil {
		return nil, errors.Wrapf(err, "scan flow %s", id)
	}

	return &flow, nil
}

// GetNodesByFlowID retrieves all nodes of a flow
func (r *PostgresRepository) GetNodesByFlowID(ctx context.Context, flowID uuid.UUID) ([]Node, error) {
	query := `
		SELECT flow_id, node_id, node_type, label, x_pos, y_pos, config
		FROM nodes
		WHERE flow_id = $1
		ORDER BY position_index
	`

	rows, err := r.db.Query(ctx, query, flowID)
	if err != nil {
		return nil, errors.Wrapf(err, "query nodes for flow %s", flowID)
	}
	defer rows.Close()

	nodes, err := pgx.CollectRows(rows, pgx.RowToStructByName[Node])
	if err != nil {
		return nil, errors.Wrapf(err, "scan nodes for flow %s", flowID)
	}

	return nodes, nil
}

// GetEdgesByFlowID retrieves all edges of a flow. Edge order is significant:
// it is the order in which a node's children are started.
func (r *PostgresRepository) GetEdgesByFlowID(ctx context.Context, flowID uuid.UUID) ([]Edge, error) {
	query := `
		SELECT flow_id, edge_id, source_id, target_id, source_handle, target_handle, transform
		FROM edges
		WHERE flow_id = $1
		ORDER BY position_index
	`

	rows, err := r.db.Query(ctx, query, flowID)
	if err != nil {
		return nil, errors.Wrapf(err, "query edges for flow %s", flowID)
	}
	defer rows.Close()

	edges, err := pgx.CollectRows(rows, pgx.RowToStructByName[Edge])
	if err != nil {
		return nil, errors.Wrapf(err, "scan edges for flow %s", flowID)
	}

	return edges, nil
}
