package pinsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/roofmarks/pinsync/protocol"
)

// Aggregator re-derives a parent pin's denormalized rollups from its
// children. Every trigger recomputes from scratch; there is no incremental
// bookkeeping to drift, so running it twice in a row is a no-op.
type Aggregator struct {
	store Store
	log   *logrus.Entry
}

// NewAggregator returns an aggregator over the given store.
func NewAggregator(store Store, log *logrus.Entry) (*Aggregator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Aggregator{
		store: store,
		log:   log.WithField("component", "aggregate"),
	}, nil
}

// Recompute rebuilds the parent's child counts and derived status and
// writes them back. The write goes through the store like any other update,
// so peers see the new rollup as an ordinary change event.
func (a *Aggregator) Recompute(ctx context.Context, parentID string) (*protocol.ParentAggregate, error) {
	parent, err := a.store.GetParent(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("loading parent %s: %w", parentID, err)
	}

	children, err := a.store.ListChildren(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parentID, err)
	}

	agg := &protocol.ParentAggregate{ChildrenTotal: len(children)}
	for _, child := range children {
		switch child.Status {
		case protocol.StatusOpen:
			agg.ChildrenOpen++
		case protocol.StatusReadyForInspection:
			agg.ChildrenReady++
		case protocol.StatusClosed:
			agg.ChildrenClosed++
		default:
			a.log.WithField("child", child.ID).Warnf("unknown child status %q, counting as open", child.Status)
			agg.ChildrenOpen++
		}
	}
	agg.ParentMixState = parent.ManualState
	agg.Status = protocol.DeriveStatus(parent.ManualState, agg.ChildrenOpen, agg.ChildrenReady)

	payload, err := json.Marshal(agg)
	if err != nil {
		return nil, fmt.Errorf("encoding aggregate: %w", err)
	}
	if _, err := a.store.Update(ctx, TablePins, map[string]string{"id": parentID}, payload); err != nil {
		return nil, fmt.Errorf("writing aggregate for %s: %w", parentID, err)
	}

	a.log.WithField("parent", parentID).Debugf("recomputed: %d children, status %s", agg.ChildrenTotal, agg.Status)
	return agg, nil
}

// ValidateClosure checks the quality gate for closing a parent pin: closing
// requires photo evidence on record. Child states are not checked here; the
// status derivation keeps a parent with open children out of the closed
// state regardless of the manual flag.
func (a *Aggregator) ValidateClosure(ctx context.Context, parentID string) error {
	parent, err := a.store.GetParent(ctx, parentID)
	if err != nil {
		return fmt.Errorf("loading parent %s: %w", parentID, err)
	}
	if parent.ClosingPhotoURL == "" {
		return protocol.NewStoreError(protocol.CodeValidation, "close", TablePins,
			fmt.Errorf("pin %s has no closing photo", parentID))
	}
	return nil
}
