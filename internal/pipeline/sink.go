package pipeline

import (
	"context"

	"github.com/aviary-hr/aviary/internal/metrics"
	"github.com/aviary-hr/aviary/internal/store"
)

// storeSink adapts the Task Store to llm.StreamSink: fragment snapshots are
// persisted through the guarded update so a polling reader sees live
// progress, and cancellation is detected by re-reading the row's status.
type storeSink struct {
	store store.Store
}

func (s *storeSink) Persist(ctx context.Context, outputID string, content string) error {
	_, err := s.store.UpdateOutput(ctx, outputID, store.NotCancelled(), store.OutputPatch{
		Content:   store.StringPtr(content),
		Status:    store.StatusPtr(store.OutputProcessing),
		UpdatedBy: updatedBy,
	})
	if err != nil {
		return err
	}
	metrics.StreamFragmentsTotal.Inc()
	return nil
}

func (s *storeSink) Cancelled(ctx context.Context, outputID string) (bool, error) {
	out, err := s.store.GetOutput(ctx, outputID)
	if err != nil {
		return false, err
	}
	if out.Status == store.OutputCancel {
		metrics.RecordCancellation("stream")
		return true, nil
	}
	return false, nil
}
