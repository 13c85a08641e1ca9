package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
)

// MaxBulkItems caps the ids accepted by one bulk request.
const MaxBulkItems = 500

const bulkParallelism = 8

// Per-item outcomes of bulk operations.
const (
	OutcomeReprocessed      = "reprocessed"
	OutcomeDeleted          = "deleted"
	OutcomeNotFound         = "not_found"
	OutcomeNotReprocessable = "not_reprocessable"
	OutcomeInvalidPayload   = "invalid_payload"
	OutcomeConflict         = "conflict"
	OutcomeFailed           = "failed"
)

// ItemResult is the outcome for one id of a bulk request.
type ItemResult struct {
	ID        string `json:"id"`
	Outcome   string `json:"outcome"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BulkResult lists per-item outcomes in request order.
type BulkResult struct {
	Items     []ItemResult `json:"items"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
}

// BulkDeleteResult adds the removed and unknown ids to BulkResult.
type BulkDeleteResult struct {
	BulkResult
	Removed  []string `json:"removed"`
	NotFound []string `json:"notFound"`
}

// BulkReprocess reprocesses every id independently. One failing item never
// aborts the others.
func (s *Service) BulkReprocess(ctx context.Context, ids []string) (BulkResult, error) {
	ids, err := normalizeIDs(ids)
	if err != nil {
		return BulkResult{}, err
	}
	items := s.forEach(ctx, ids, func(ctx context.Context, id string) ItemResult {
		res, err := s.Reprocess(ctx, id)
		if err != nil {
			return ItemResult{ID: id, Outcome: outcomeFor(err), Error: err.Error()}
		}
		return ItemResult{ID: id, Outcome: OutcomeReprocessed, MessageID: res.MessageID}
	})
	return summarize(items, OutcomeReprocessed), nil
}

// BulkDelete removes every id independently.
func (s *Service) BulkDelete(ctx context.Context, ids []string) (BulkDeleteResult, error) {
	ids, err := normalizeIDs(ids)
	if err != nil {
		return BulkDeleteResult{}, err
	}
	items := s.forEach(ctx, ids, func(ctx context.Context, id string) ItemResult {
		if err := s.Delete(ctx, id); err != nil {
			return ItemResult{ID: id, Outcome: outcomeFor(err), Error: err.Error()}
		}
		return ItemResult{ID: id, Outcome: OutcomeDeleted}
	})

	out := BulkDeleteResult{
		BulkResult: summarize(items, OutcomeDeleted),
		Removed:    []string{},
		NotFound:   []string{},
	}
	for _, item := range items {
		switch item.Outcome {
		case OutcomeDeleted:
			out.Removed = append(out.Removed, item.ID)
		case OutcomeNotFound:
			out.NotFound = append(out.NotFound, item.ID)
		}
	}
	return out, nil
}

func (s *Service) forEach(ctx context.Context, ids []string, fn func(context.Context, string) ItemResult) []ItemResult {
	items := make([]ItemResult, len(ids))
	var g errgroup.Group
	g.SetLimit(bulkParallelism)
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			items[i] = ItemResult{ID: id, Outcome: OutcomeFailed, Error: err.Error()}
			continue
		}
		g.Go(func() error {
			items[i] = fn(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return items
}

func summarize(items []ItemResult, success string) BulkResult {
	res := BulkResult{Items: items}
	for _, item := range items {
		if item.Outcome == success {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	return res
}

func normalizeIDs(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	switch {
	case len(out) == 0:
		return nil, fmt.Errorf("%w: ids are required", errspkg.ErrInvalidPayload)
	case len(out) > MaxBulkItems:
		return nil, fmt.Errorf("%w: at most %d ids per request", errspkg.ErrInvalidPayload, MaxBulkItems)
	}
	return out, nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, errspkg.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, errspkg.ErrNotReprocessable):
		return OutcomeNotReprocessable
	case errors.Is(err, errspkg.ErrInvalidPayload):
		return OutcomeInvalidPayload
	case errors.Is(err, errspkg.ErrConflict):
		return OutcomeConflict
	default:
		return OutcomeFailed
	}
}
