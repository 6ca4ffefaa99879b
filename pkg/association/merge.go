package association

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/bramble/pkg/models"
)

// mergeCandidates computes the Link result: one new merged entity whose
// adapters are the union of every candidate's members and whose tags keep
// the newest value per (issuer, name). The new entity gets a fresh internal
// id; callers delete the candidates after inserting it.
func mergeCandidates(candidates []models.MergedEntity) (*models.MergedEntity, error) {
	if len(candidates) < 2 {
		return nil, httperror.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("got a Link with only %d candidates", len(candidates)))
	}

	// A source plugin appearing in two different candidates with different
	// local ids means the candidates describe distinct real-world entities.
	type holder struct {
		candidate int
		localID   string
	}
	seen := map[string]holder{}
	for i := range candidates {
		for _, a := range candidates[i].Adapters {
			prev, ok := seen[a.SourcePluginID]
			if ok && prev.candidate != i && prev.localID != a.LocalID {
				return nil, httperror.NewHTTPError(http.StatusInternalServerError,
					fmt.Sprintf("contradiction: source %s reports both %s and %s across link candidates",
						a.SourcePluginID, prev.localID, a.LocalID))
			}
			if !ok {
				seen[a.SourcePluginID] = holder{candidate: i, localID: a.LocalID}
			}
		}
	}

	merged := &models.MergedEntity{
		InternalID:  uuid.New().String(),
		Adapters:    []models.AdapterEntity{},
		Tags:        []models.Tag{},
		LastUpdated: time.Now().UTC(),
	}

	members := map[models.AdapterRef]struct{}{}
	for i := range candidates {
		for _, a := range candidates[i].Adapters {
			if _, ok := members[a.Ref()]; ok {
				continue
			}
			members[a.Ref()] = struct{}{}
			merged.Adapters = append(merged.Adapters, a)
		}
	}

	// Newest accurate_for_datetime wins per tag identity; on a tie the
	// later candidate's tag is kept.
	newest := map[models.TagKey]int{}
	for i := range candidates {
		for _, t := range candidates[i].Tags {
			idx, ok := newest[t.Key()]
			if ok && merged.Tags[idx].AccurateFor.After(t.AccurateFor) {
				continue
			}
			if ok {
				merged.Tags[idx] = t
				continue
			}
			newest[t.Key()] = len(merged.Tags)
			merged.Tags = append(merged.Tags, t)
		}
	}

	return merged, nil
}

// splitEntity computes the Unlink result: a new merged entity holding
// exactly the referenced members, and the source entity with those members
// removed. Tags move with the split only when every adapter they reference
// was moved.
func splitEntity(entity *models.MergedEntity, refs []models.AdapterRef) (*models.MergedEntity, *models.MergedEntity, error) {
	moved := map[models.AdapterRef]struct{}{}
	for _, ref := range refs {
		if !entity.HasIdentity(ref.SourcePluginID, ref.LocalID) {
			return nil, nil, httperror.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("adapter entity (%s, %s) is not a member of entity %s",
					ref.SourcePluginID, ref.LocalID, entity.InternalID))
		}
		moved[ref] = struct{}{}
	}

	if len(moved) == 0 {
		return nil, nil, httperror.NewHTTPError(http.StatusBadRequest, "got an Unlink with no adapter entities")
	}
	if len(moved) == len(entity.Adapters) {
		return nil, nil, httperror.NewHTTPError(http.StatusBadRequest,
			"can't remove all adapter entities from an entity")
	}

	now := time.Now().UTC()
	split := &models.MergedEntity{
		InternalID:  uuid.New().String(),
		Adapters:    []models.AdapterEntity{},
		Tags:        []models.Tag{},
		LastUpdated: now,
	}
	remaining := &models.MergedEntity{
		InternalID:  entity.InternalID,
		Adapters:    []models.AdapterEntity{},
		Tags:        []models.Tag{},
		LastUpdated: now,
	}

	for _, a := range entity.Adapters {
		if _, ok := moved[a.Ref()]; ok {
			split.Adapters = append(split.Adapters, a)
		} else {
			remaining.Adapters = append(remaining.Adapters, a)
		}
	}

	for _, t := range entity.Tags {
		if tagMoves(t, moved) {
			split.Tags = append(split.Tags, t)
		} else {
			remaining.Tags = append(remaining.Tags, t)
		}
	}

	return split, remaining, nil
}

func tagMoves(t models.Tag, moved map[models.AdapterRef]struct{}) bool {
	if len(t.AssociatedAdapters) == 0 {
		return false
	}
	for _, ref := range t.AssociatedAdapters {
		if _, ok := moved[ref]; !ok {
			return false
		}
	}
	return true
}
