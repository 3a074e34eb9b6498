package flow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// MockRepository implements Repository for testing.
// All methods panic if the corresponding function is not set,
// ensuring tests explicitly configure the behavior they expect.
type MockRepository struct {
	GetFlowFunc          func(ctx context.Context, id uuid.UUID) (*Flow, error)
	GetNodesByFlowIDFunc func(ctx context.Context, flowID uuid.UUID) ([]Node, error)
	GetEdgesByFlowIDFunc func(ctx context.Context, flowID uuid.UUID) ([]Edge, error)
}

func (m *MockRepository) GetFlow(ctx context.Context, id uuid.UUID) (*Flow, error) {
	if m.GetFlowFunc == nil {
		panic(fmt.Sprintf("MockRepository.GetFlow called but GetFlowFunc not set (id: %s)", id))
	}
	return m.GetFlowFunc(ctx, id)
}

func (m *MockRepository) GetNodesByFlowID(ctx context.Context, flowID uuid.UUID) ([]Node, error) {
	if m.GetNodesByFlowIDFunc == nil {
		panic(fmt.Sprintf("MockRepository.GetNodesByFlowID called but GetNodesByFlowIDFunc not set (flowID: %s)", flowID))
	}
	return m.GetNodesByFlowIDFunc(ctx, flowID)
}

func (m *MockRepository) GetEdgesByFlowID(ctx context.Context, flowID uuid.UUID) ([]Edge, error) {
	if m.GetEdgesByFlowIDFunc == nil {
		panic(fmt.Sprintf("MockRepository.GetEdgesByFlowID called but GetEdgesByFlowIDFunc not set (flowID: %s)", flowID))
	}
	return m.GetEdgesByFlowIDFunc(ctx, flowID)
}
