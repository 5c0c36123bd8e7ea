package core

import (
	"context"

	"github.com/google/uuid"

	"fieldsync/pkg/domain"
)

// screenDeltas checks every delta of the file against the idempotency
// registry before any apply attempt. A delta id seen before with different
// content rejects the whole batch; one seen with identical content and a
// terminal status becomes a known no-op duplicate.
func screenDeltas(ctx context.Context, jobs domain.JobStore, file domain.DeltaFile) (map[uuid.UUID]domain.DeltaRecord, error) {
	known := make(map[uuid.UUID]domain.DeltaRecord)
	for _, d := range file.Deltas {
		rec, ok, err := jobs.LookupDelta(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if rec.Digest != d.ContentDigest() {
			return nil, domain.DuplicateDeltaError{DeltaID: d.ID}
		}
		if rec.Status.Terminal() {
			known[d.ID] = rec
		}
	}
	return known, nil
}
