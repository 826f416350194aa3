package weatherapi

import (
	"context"
	"sync"
)

// BatchFailure records why one provider id could not be fetched
type BatchFailure struct {
	ProviderID int64
	Err        error
}

// BatchResult holds one entry per requested id, either a result or a failure
type BatchResult struct {
	Results  map[int64]*Conditions
	Failures []BatchFailure
}

// FetchBatch fetches ids in groups of BatchSize, concurrently within a
// group and pausing between groups. Duplicate ids are fetched once.
func (c *Client) FetchBatch(ctx context.Context, ids []int64) BatchResult {
	out := BatchResult{Results: make(map[int64]*Conditions, len(ids))}

	seen := make(map[int64]struct{}, len(ids))
	unique := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	var mu sync.Mutex
	size := c.cfg.BatchSize
	for start := 0; start < len(unique); start += size {
		end := start + size
		if end > len(unique) {
			end = len(unique)
		}

		if start > 0 {
			if err := c.sleep(ctx, c.cfg.BatchPause); err != nil {
				for _, id := range unique[start:] {
					out.Failures = append(out.Failures, BatchFailure{ProviderID: id, Err: err})
				}
				break
			}
		}

		var wg sync.WaitGroup
		for _, id := range unique[start:end] {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				cond, err := c.FetchCurrentConditions(ctx, id)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					out.Failures = append(out.Failures, BatchFailure{ProviderID: id, Err: err})
					return
				}
				out.Results[id] = cond
			}(id)
		}
		wg.Wait()
	}

	c.logger.Info().
		Int("requested", len(unique)).
		Int("succeeded", len(out.Results)).
		Int("failed", len(out.Failures)).
		Msg("batch fetch completed")
	return out
}
