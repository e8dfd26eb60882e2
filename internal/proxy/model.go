package proxy

import (
	"context"

	"github.com/duodb/duodb/internal/types"
)

// ModelHandle scopes the proxy surface to one model, mirroring the
// client.Model("user").FindMany(...) call shape.
type ModelHandle struct {
	p     *Proxy
	model string
}

// Model returns a handle scoped to the named model.
func (p *Proxy) Model(name string) *ModelHandle {
	return &ModelHandle{p: p, model: name}
}

// Name returns the model name the handle is scoped to.
func (h *ModelHandle) Name() string { return h.model }

func (h *ModelHandle) FindUnique(ctx context.Context, args types.FindArgs) (types.Row, error) {
	return h.p.FindUnique(ctx, h.model, args)
}

func (h *ModelHandle) FindFirst(ctx context.Context, args types.FindArgs) (types.Row, error) {
	return h.p.FindFirst(ctx, h.model, args)
}

func (h *ModelHandle) FindMany(ctx context.Context, args types.FindArgs) ([]types.Row, error) {
	return h.p.FindMany(ctx, h.model, args)
}

func (h *ModelHandle) Count(ctx context.Context, args types.CountArgs) (int64, error) {
	return h.p.Count(ctx, h.model, args)
}

func (h *ModelHandle) Aggregate(ctx context.Context, args types.AggregateArgs) (types.Row, error) {
	return h.p.Aggregate(ctx, h.model, args)
}

func (h *ModelHandle) GroupBy(ctx context.Context, args types.GroupByArgs) ([]types.Row, error) {
	return h.p.GroupBy(ctx, h.model, args)
}

func (h *ModelHandle) Create(ctx context.Context, args types.CreateArgs) (types.Row, error) {
	return h.p.Create(ctx, h.model, args)
}

func (h *ModelHandle) CreateMany(ctx context.Context, args types.CreateManyArgs) (types.BatchResult, error) {
	return h.p.CreateMany(ctx, h.model, args)
}

func (h *ModelHandle) Update(ctx context.Context, args types.UpdateArgs) (types.Row, error) {
	return h.p.Update(ctx, h.model, args)
}

func (h *ModelHandle) UpdateMany(ctx context.Context, args types.UpdateArgs) (types.BatchResult, error) {
	return h.p.UpdateMany(ctx, h.model, args)
}

func (h *ModelHandle) Upsert(ctx context.Context, args types.UpsertArgs) (types.Row, error) {
	return h.p.Upsert(ctx, h.model, args)
}

func (h *ModelHandle) Delete(ctx context.Context, args types.DeleteArgs) (types.Row, error) {
	return h.p.Delete(ctx, h.model, args)
}

func (h *ModelHandle) DeleteMany(ctx context.Context, args types.DeleteArgs) (types.BatchResult, error) {
	return h.p.DeleteMany(ctx, h.model, args)
}
