// Package content supplies the items workflows are created from. The
// pipeline does not generate content itself; it consumes whatever the
// upstream planner has queued for a tenant.
package content

import (
	"context"
	"errors"

	"clipflow/internal/model"
	"clipflow/internal/store"
)

// ErrEmpty signals that a tenant has no unconsumed content queued.
var ErrEmpty = errors.New("no content queued for tenant")

// Selector picks the next content item to turn into a workflow. Next
// must consume the item so two concurrent callers never receive the
// same one.
type Selector interface {
	Next(ctx context.Context, tenant string) (model.ContentItem, error)
}

// QueueStore is the persistence surface a queue-backed selector needs.
type QueueStore interface {
	ClaimNextContentItem(ctx context.Context, tenant string) (model.ContentItem, error)
}

// QueueSelector serves items from the content_items table in FIFO
// order. Claiming happens inside the store with a locked single-row
// update, so concurrent enqueuers cannot double-consume.
type QueueSelector struct {
	store QueueStore
}

func NewQueueSelector(st QueueStore) *QueueSelector {
	return &QueueSelector{store: st}
}

func (s *QueueSelector) Next(ctx context.Context, tenant string) (model.ContentItem, error) {
	item, err := s.store.ClaimNextContentItem(ctx, tenant)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ContentItem{}, ErrEmpty
		}
		return model.ContentItem{}, err
	}
	return item, nil
}
