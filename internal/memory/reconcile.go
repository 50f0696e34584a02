package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ReconcileReport lists what one Reconcile pass changed.
type ReconcileReport struct {
	OwnerID     string   `json:"owner_id"`
	Reindexed   []string `json:"reindexed"`
	Restored    []string `json:"restored"`
	Quarantined []string `json:"quarantined"`
}

// Changes is the number of records touched.
func (r ReconcileReport) Changes() int {
	return len(r.Reindexed) + len(r.Restored) + len(r.Quarantined)
}

// Reconcile compares both sides for ownerID. Records only in the structured
// side are re-indexed from their stored vector (embedding once if they never
// had one); entries only in the index are restored from their payload; entries
// that can never be repaired are quarantined. A record whose re-embed fails
// stays pending and withheld from Query until a later pass succeeds. Running
// it twice with no writes in between changes nothing the second time.
func (s *Store) Reconcile(ctx context.Context, ownerID string) (ReconcileReport, error) {
	l := s.ownerLock(ownerID)
	l.Lock()
	defer l.Unlock()

	report := ReconcileReport{OwnerID: ownerID}

	recIDs, err := s.records.MemoryIDs(ctx, ownerID)
	if err != nil {
		return report, fmt.Errorf("reconcile %s: list records: %w", ownerID, err)
	}
	idxIDs, err := s.index.IDs(ctx, ownerID)
	if err != nil {
		return report, fmt.Errorf("reconcile %s: list index: %w", ownerID, err)
	}

	inIndex := make(map[string]bool, len(idxIDs))
	for _, id := range idxIDs {
		inIndex[id] = true
	}
	inRecords := make(map[string]bool, len(recIDs))
	for _, id := range recIDs {
		inRecords[id] = true
	}

	var errs []error
	for _, id := range recIDs {
		if inIndex[id] {
			continue
		}
		changed, quarantined, err := s.reindex(ctx, id)
		switch {
		case err != nil:
			errs = append(errs, err)
		case quarantined:
			report.Quarantined = append(report.Quarantined, id)
		case changed:
			report.Reindexed = append(report.Reindexed, id)
		}
	}

	for _, id := range idxIDs {
		if inRecords[id] {
			continue
		}
		quarantined, err := s.restore(ctx, ownerID, id)
		switch {
		case err != nil:
			errs = append(errs, err)
		case quarantined:
			report.Quarantined = append(report.Quarantined, id)
		default:
			report.Restored = append(report.Restored, id)
		}
	}

	if len(errs) > 0 {
		s.markDirty(ownerID)
		return report, fmt.Errorf("reconcile %s: %w", ownerID, errors.Join(errs...))
	}

	s.mu.Lock()
	delete(s.dirty, ownerID)
	s.mu.Unlock()

	if report.Changes() > 0 {
		s.logger.Info("reconciled memories",
			zap.String("agent", ownerID),
			zap.Int("reindexed", len(report.Reindexed)),
			zap.Int("restored", len(report.Restored)),
			zap.Int("quarantined", len(report.Quarantined)))
	}
	return report, nil
}

func (s *Store) reindex(ctx context.Context, id string) (changed, quarantined bool, err error) {
	m, err := s.records.GetMemory(ctx, id)
	if err != nil {
		return false, false, fmt.Errorf("load %s: %w", id, err)
	}

	if len(m.Vector) == 0 {
		if s.embedder == nil {
			return false, true, s.quarantine(ctx, m, SideStructured, "no vector and no embedder")
		}
		vec, err := s.embedder.Embed(ctx, m.Content)
		if err != nil {
			return false, false, fmt.Errorf("embed %s: %w", id, err)
		}
		if err := s.records.AttachVector(ctx, id, vec); err != nil {
			return false, false, fmt.Errorf("attach vector %s: %w", id, err)
		}
		m.Vector = vec
	}

	if err := s.index.Upsert(ctx, m); err != nil {
		return false, false, fmt.Errorf("reindex %s: %w", id, err)
	}
	return true, false, nil
}

func (s *Store) restore(ctx context.Context, ownerID, id string) (quarantined bool, err error) {
	m, err := s.index.Fetch(ctx, ownerID, id)
	if errors.Is(err, ErrCorruptPayload) {
		if err := s.index.Delete(ctx, ownerID, id); err != nil {
			return false, fmt.Errorf("drop corrupt %s: %w", id, err)
		}
		return true, s.records.Quarantine(ctx, Quarantined{
			MemoryID: id,
			OwnerID:  ownerID,
			Side:     SideVector,
			Reason:   err.Error(),
			At:       Timestamp(s.now()),
		})
	}
	if err != nil {
		return false, fmt.Errorf("fetch %s: %w", id, err)
	}
	if err := s.records.InsertMemory(ctx, m); err != nil {
		return false, fmt.Errorf("restore %s: %w", id, err)
	}
	return false, nil
}

func (s *Store) quarantine(ctx context.Context, m *Memory, side Side, reason string) error {
	raw, _ := json.Marshal(m)
	return s.records.Quarantine(ctx, Quarantined{
		MemoryID: m.ID,
		OwnerID:  m.OwnerID,
		Side:     side,
		Reason:   reason,
		Payload:  string(raw),
		At:       Timestamp(s.now()),
	})
}
