package engine

import (
	"context"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// RuntimeReader loads persisted runtimes back into memory. Satisfied by
// store.Store.
type RuntimeReader interface {
	GetRuntime(ctx context.Context, id string) (*store.Runtime, error)
	ListSteps(ctx context.Context, runtimeID string) ([]*store.Step, error)
}

// LoadRuntime rebuilds an in-memory RuntimeInstance from its persisted rows.
func LoadRuntime(ctx context.Context, r RuntimeReader, id string) (*RuntimeInstance, error) {
	record, err := r.GetRuntime(ctx, id)
	if err != nil {
		if schema.CodeOf(err) != "" {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load runtime: %s", err.Error()).WithCause(err)
	}

	rows, err := r.ListSteps(ctx, id)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load steps: %s", err.Error()).WithCause(err)
	}

	rt := &RuntimeInstance{
		ID:          record.ID,
		Name:        record.Name,
		TemplateRef: record.TemplateRef,
		Target:      record.Target,
		State:       record.State,
		CreatedAt:   record.CreatedAt,
	}
	rt.Steps = make([]*StepInstance, 0, len(rows))
	for _, row := range rows {
		rt.Steps = append(rt.Steps, &StepInstance{
			ID:           row.ID,
			RuntimeID:    row.RuntimeID,
			ActionRef:    row.ActionRef,
			Name:         row.Name,
			Sequence:     row.Sequence,
			Position:     row.Position,
			State:        row.State,
			ErrorMessage: row.ErrorMessage,
			Predecessors: row.Predecessors,
			Params:       row.Params,
		})
	}
	rt.reindex()
	return rt, nil
}
