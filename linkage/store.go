package linkage

import (
	"context"
)

// PriorState is what an earlier run established and a new run must not contradict.
type PriorState struct {
	// ParticipantIDs maps response_id to the participant_id already handed out.
	ParticipantIDs map[string]string

	// Sources maps response_id to how its participant_id was first derived.
	Sources map[string]ParticipantIDSource

	// Matches are pairings to carry over unchanged.
	Matches []Match
}

// LinkageStore persists participant IDs and accepted matches between runs.
type LinkageStore interface {
	LoadPrior(ctx context.Context) (PriorState, error)
	SaveRun(ctx context.Context, runID string, rows []ConsolidatedParticipant) error
}

// PriorOutputStore reads prior state from a previous consolidated CSV. Saving is a no-op because the
// consolidated CSV written by the run is itself the record.
type PriorOutputStore struct {
	Path string
}

func (s PriorOutputStore) LoadPrior(ctx context.Context) (PriorState, error) {
	return ReadPriorOutput(ctx, s.Path)
}

func (PriorOutputStore) SaveRun(context.Context, string, []ConsolidatedParticipant) error {
	return nil
}

// MergePrior combines states; entries in earlier states win. A later state cannot hand a participant_id
// owned by an earlier state to a different response: such entries are dropped so the response is
// treated as new.
func MergePrior(states ...PriorState) PriorState {
	out := PriorState{
		ParticipantIDs: make(map[string]string),
		Sources:        make(map[string]ParticipantIDSource),
	}
	owners := make(map[string]string)
	seenMatch := make(map[string]struct{})
	for _, st := range states {
		added := make(map[string]string)
		for rid, pid := range st.ParticipantIDs {
			if pid == "" {
				continue
			}
			if _, ok := out.ParticipantIDs[rid]; ok {
				continue
			}
			if owner, ok := owners[pid]; ok && owner != rid {
				continue
			}
			out.ParticipantIDs[rid] = pid
			if src, ok := st.Sources[rid]; ok {
				out.Sources[rid] = src
			}
			added[rid] = pid
		}
		for rid, pid := range added {
			if owner, ok := owners[pid]; !ok || rid < owner {
				owners[pid] = rid
			}
		}
		for _, m := range st.Matches {
			if _, ok := seenMatch[m.ResponseID]; ok {
				continue
			}
			seenMatch[m.ResponseID] = struct{}{}
			out.Matches = append(out.Matches, m)
		}
	}
	return out
}
