package correlation

import (
	"context"
	"fmt"
	"sort"

	"github.com/Ramsey-B/bramble/pkg/models"
)

// findContradictions compares each probe observation against the id the
// entity already has on file for that adapter product. Only the first
// member carrying the product is compared; a mismatch is a contradiction:
// one warning is emitted per contradicted entity and its probe result is
// removed from the map so no Link decision uses it.
func findContradictions(entities []models.MergedEntity, results map[int]models.ExecutionOutcome) []models.WarningResult {
	idxs := make([]int, 0, len(results))
	for idx := range results {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	var warnings []models.WarningResult
	var contradicted []int

	for _, idx := range idxs {
		outcome := results[idx]
		entity := entities[idx]

		pluginNames := make([]string, 0, len(outcome.Observed))
		for name := range outcome.Observed {
			pluginNames = append(pluginNames, name)
		}
		sort.Strings(pluginNames)

	observations:
		for _, pluginName := range pluginNames {
			observedID := outcome.Observed[pluginName]
			if observedID == models.UnavailableOutput || observedID == "" {
				continue
			}
			for _, a := range entity.Adapters {
				if a.PluginName != pluginName {
					continue
				}
				if a.LocalID == observedID {
					break
				}
				warnings = append(warnings, models.WarningResult{
					Message: fmt.Sprintf(
						"Entity %s already has %s id %s but a probe observed %s",
						entity.InternalID, pluginName, a.LocalID, observedID),
					Content:          []string{entity.InternalID, pluginName, a.LocalID, observedID},
					NotificationType: models.NotificationCorrelationContradiction,
				})
				contradicted = append(contradicted, idx)
				break observations
			}
		}
	}

	for _, idx := range contradicted {
		delete(results, idx)
	}

	return warnings
}

// resolve turns raw candidates into final correlation results: the second
// side is resolved to an adapter instance, operator exclusions are honored,
// unresolvable observations feed the nonexistent deduction, and each
// distinct pair is emitted at most once.
func (e *Engine) resolve(ctx context.Context, entities []models.MergedEntity, pairs []rawPair) []models.CorrelationResult {
	var matches []models.CorrelationResult
	var nonexistent []rawPair
	emitted := map[string]struct{}{}

	for _, pair := range pairs {
		var second models.CorrelationMember
		var secondProduct string

		if pair.reason == models.ReasonLogic {
			adapter, _ := findByInstance(entities, pair.secondPluginName, pair.secondLocalID)
			if adapter == nil {
				continue // stale candidate, the instance left the population
			}
			second = models.CorrelationMember{Plugin: adapter.SourcePluginID, LocalID: adapter.LocalID}
			secondProduct = adapter.PluginName
		} else {
			adapter, _ := findByProduct(entities, pair.secondPluginName, pair.secondLocalID)
			if adapter == nil {
				nonexistent = append(nonexistent, pair)
				continue
			}
			second = models.CorrelationMember{Plugin: adapter.SourcePluginID, LocalID: adapter.LocalID}
			secondProduct = adapter.PluginName
		}

		firstEntity := entityOfInstance(entities, pair.first.Plugin, pair.first.LocalID)
		if firstEntity != nil && stronglyUnbound(firstEntity, secondProduct, second.LocalID) {
			e.logger.WithContext(ctx).WithFields(map[string]any{
				"first":  pair.first.Plugin,
				"second": second.Plugin,
			}).Debug("Skipping correlation, entities are strongly unbound")
			continue
		}

		if sameEntity(firstEntity, second) {
			continue // already merged
		}

		key := pairKey(pair.first, second)
		if _, ok := emitted[key]; ok {
			continue
		}
		emitted[key] = struct{}{}

		matches = append(matches, models.CorrelationResult{
			First:  pair.first,
			Second: second,
			Reason: pair.reason,
		})
	}

	matches = append(matches, deduceNonexistent(nonexistent, emitted)...)
	return matches
}

// deduceNonexistent correlates entities whose probes both reported the same
// observation that no current entity carries: if two machines each claim to
// be the same unavailable identity, they are the same machine.
func deduceNonexistent(pairs []rawPair, emitted map[string]struct{}) []models.CorrelationResult {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].secondPluginName != pairs[j].secondPluginName {
			return pairs[i].secondPluginName < pairs[j].secondPluginName
		}
		if pairs[i].secondLocalID != pairs[j].secondLocalID {
			return pairs[i].secondLocalID < pairs[j].secondLocalID
		}
		if pairs[i].first.Plugin != pairs[j].first.Plugin {
			return pairs[i].first.Plugin < pairs[j].first.Plugin
		}
		return pairs[i].first.LocalID < pairs[j].first.LocalID
	})

	var matches []models.CorrelationResult
	for i := 1; i < len(pairs); i++ {
		prev, cur := pairs[i-1], pairs[i]
		if prev.secondPluginName != cur.secondPluginName || prev.secondLocalID != cur.secondLocalID {
			continue
		}
		if prev.first == cur.first {
			continue
		}

		key := pairKey(prev.first, cur.first)
		if _, ok := emitted[key]; ok {
			continue
		}
		emitted[key] = struct{}{}

		matches = append(matches, models.CorrelationResult{
			First:  prev.first,
			Second: cur.first,
			Reason: models.ReasonNonexistentDeduction,
		})
	}
	return matches
}

func findByInstance(entities []models.MergedEntity, sourcePluginID, localID string) (*models.AdapterEntity, *models.MergedEntity) {
	for i := range entities {
		if a := entities[i].AdapterByIdentity(sourcePluginID, localID); a != nil {
			return a, &entities[i]
		}
	}
	return nil, nil
}

func findByProduct(entities []models.MergedEntity, pluginName, localID string) (*models.AdapterEntity, *models.MergedEntity) {
	for i := range entities {
		for j := range entities[i].Adapters {
			a := &entities[i].Adapters[j]
			if a.PluginName == pluginName && a.LocalID == localID {
				return a, &entities[i]
			}
		}
	}
	return nil, nil
}

func entityOfInstance(entities []models.MergedEntity, sourcePluginID, localID string) *models.MergedEntity {
	_, entity := findByInstance(entities, sourcePluginID, localID)
	return entity
}

func sameEntity(entity *models.MergedEntity, member models.CorrelationMember) bool {
	if entity == nil {
		return false
	}
	return entity.HasIdentity(member.Plugin, member.LocalID)
}

// stronglyUnbound reports whether the entity carries a strongly_unbound_with
// tag naming the given product and id. The tag value is a list of
// [plugin_name, local_id] pairs.
func stronglyUnbound(entity *models.MergedEntity, pluginName, localID string) bool {
	for _, t := range entity.Tags {
		if t.Name != models.TagStronglyUnbound {
			continue
		}
		pairs, ok := t.Value.([]any)
		if !ok {
			continue
		}
		for _, raw := range pairs {
			var name, id string
			switch pair := raw.(type) {
			case []any:
				if len(pair) != 2 {
					continue
				}
				name, _ = pair[0].(string)
				id, _ = pair[1].(string)
			case []string:
				if len(pair) != 2 {
					continue
				}
				name, id = pair[0], pair[1]
			default:
				continue
			}
			if name == pluginName && id == localID {
				return true
			}
		}
	}
	return false
}

func pairKey(a, b models.CorrelationMember) string {
	first := a.Plugin + "\x00" + a.LocalID
	second := b.Plugin + "\x00" + b.LocalID
	if second < first {
		first, second = second, first
	}
	return first + "\x01" + second
}
