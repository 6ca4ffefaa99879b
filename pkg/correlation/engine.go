// Package correlation examines the merged entity population, gathers
// cross-adapter identity evidence, and decides which entities should be
// linked. It never performs an unsafe merge: contradictory evidence is
// surfaced as warnings and excluded from the pass.
package correlation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/bramble/pkg/models"
	"github.com/Ramsey-B/bramble/pkg/taskgroup"
	"github.com/Ramsey-B/bramble/pkg/tracing"
)

// Executor runs an "identify yourself" probe on one merged entity. A nil
// outcome with a nil error means the entity could not be probed; probe
// failures are evidence-free, never fatal to the pass.
type Executor interface {
	Probe(ctx context.Context, entity models.MergedEntity) (*models.ExecutionOutcome, error)
}

// Config tunes one correlation pass.
type Config struct {
	Workers      int
	ProbeTimeout time.Duration
}

// Engine runs correlation passes.
type Engine struct {
	executor Executor
	config   Config
	logger   ectologger.Logger
}

func NewEngine(executor Executor, config Config, logger ectologger.Logger) *Engine {
	if config.Workers < 1 {
		config.Workers = 4
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = time.Minute
	}
	return &Engine{
		executor: executor,
		config:   config,
		logger:   logger,
	}
}

// PassResult is the outcome of one correlation pass.
type PassResult struct {
	Matches  []models.CorrelationResult
	Warnings []models.WarningResult
}

// rawPair is an unresolved correlation candidate. First always names an
// adapter instance; the second side is a plugin product name until resolved.
type rawPair struct {
	first            models.CorrelationMember
	secondPluginName string
	secondLocalID    string
	reason           models.CorrelationReason
}

// Correlate runs one pass over the population. Exactly one result is
// produced per distinct correlated pair; chained correlations take further
// passes.
func (e *Engine) Correlate(ctx context.Context, entities []models.MergedEntity) PassResult {
	ctx, span := tracing.StartSpan(ctx, "correlation.Engine.Correlate")
	defer span.End()

	var result PassResult
	if len(entities) == 0 {
		return result
	}

	pairs := e.instancePairs(entities)
	pairs = append(pairs, e.hostnamePairs(entities)...)

	executionResults := e.collectExecutionResults(ctx, entities)
	result.Warnings = findContradictions(entities, executionResults)
	pairs = append(pairs, executionPairs(entities, executionResults)...)

	result.Matches = e.resolve(ctx, entities, pairs)

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"entities": len(entities),
		"matches":  len(result.Matches),
		"warnings": len(result.Warnings),
	}).Info("Correlation pass finished")

	return result
}

// instancePairs finds entities carrying adapters that report the same
// product and local id under different adapter instances. Two instances of
// one product observing the same id describe the same machine.
func (e *Engine) instancePairs(entities []models.MergedEntity) []rawPair {
	type holder struct {
		entity int
		member models.CorrelationMember
	}
	index := map[models.AdapterRef][]holder{}

	for i := range entities {
		for _, a := range entities[i].Adapters {
			if a.PluginName == "" || a.LocalID == "" {
				continue
			}
			key := models.AdapterRef{SourcePluginID: a.PluginName, LocalID: a.LocalID}
			index[key] = append(index[key], holder{
				entity: i,
				member: models.CorrelationMember{Plugin: a.SourcePluginID, LocalID: a.LocalID},
			})
		}
	}

	keys := make([]models.AdapterRef, 0, len(index))
	for key := range index {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SourcePluginID != keys[j].SourcePluginID {
			return keys[i].SourcePluginID < keys[j].SourcePluginID
		}
		return keys[i].LocalID < keys[j].LocalID
	})

	var pairs []rawPair
	for _, key := range keys {
		holders := index[key]
		for i := 1; i < len(holders); i++ {
			if holders[i-1].entity == holders[i].entity {
				continue // already co-resident
			}
			// Logic pairs carry an instance id on the second side.
			pairs = append(pairs, rawPair{
				first:            holders[i-1].member,
				secondPluginName: holders[i].member.Plugin,
				secondLocalID:    holders[i].member.LocalID,
				reason:           models.ReasonLogic,
			})
		}
	}
	return pairs
}

// hostnamePairs proposes a Link when exactly two entities share an OS type
// and a normalized hostname. Three or more holders is ambiguous and
// produces nothing.
func (e *Engine) hostnamePairs(entities []models.MergedEntity) []rawPair {
	type holder struct {
		entity int
		member models.CorrelationMember
	}
	type key struct {
		osType   string
		hostname string
	}
	index := map[key][]holder{}

	for i := range entities {
		seen := map[key]struct{}{}
		for _, a := range entities[i].Adapters {
			k := key{osType: a.OSType(), hostname: a.Hostname()}
			if k.osType == "" || k.hostname == "" {
				continue
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			index[k] = append(index[k], holder{
				entity: i,
				member: models.CorrelationMember{Plugin: a.SourcePluginID, LocalID: a.LocalID},
			})
		}
	}

	keys := make([]key, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].osType != keys[j].osType {
			return keys[i].osType < keys[j].osType
		}
		return keys[i].hostname < keys[j].hostname
	})

	var pairs []rawPair
	for _, k := range keys {
		holders := index[k]
		if len(holders) != 2 || holders[0].entity == holders[1].entity {
			continue
		}
		pairs = append(pairs, rawPair{
			first:            holders[0].member,
			secondPluginName: holders[1].member.Plugin,
			secondLocalID:    holders[1].member.LocalID,
			reason:           models.ReasonLogic,
		})
	}
	return pairs
}

// collectExecutionResults probes every entity on a bounded worker pool.
// Probe errors and timeouts map to missing results, never to pass failure.
func (e *Engine) collectExecutionResults(ctx context.Context, entities []models.MergedEntity) map[int]models.ExecutionOutcome {
	results := make(map[int]models.ExecutionOutcome)
	if e.executor == nil {
		return results
	}

	ctx, span := tracing.StartSpan(ctx, "correlation.Engine.collectExecutionResults")
	defer span.End()

	var mu sync.Mutex
	group := taskgroup.New(e.config.Workers)
	for i := range entities {
		idx := i
		entity := entities[i]
		group.Go(func(taskCtx context.Context) error {
			outcome, err := e.executor.Probe(taskCtx, entity)
			if err != nil {
				e.logger.WithContext(taskCtx).WithError(err).WithFields(map[string]any{
					"internal_id": entity.InternalID,
				}).Debug("Probe failed, treating as no evidence")
				return nil
			}
			if outcome == nil {
				return nil
			}
			mu.Lock()
			results[idx] = *outcome
			mu.Unlock()
			return nil
		})
	}

	joined := group.Join(ctx, e.config.ProbeTimeout)
	if joined.TimedOut() {
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"abandoned": joined.Abandoned,
		}).Error("Probe batch timed out, abandoned remaining probes")
	}

	return results
}

// executionPairs turns the surviving probe results into correlation
// candidates: the responder's identity paired with every observed id the
// entity does not already carry.
func executionPairs(entities []models.MergedEntity, results map[int]models.ExecutionOutcome) []rawPair {
	idxs := make([]int, 0, len(results))
	for idx := range results {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	var pairs []rawPair
	for _, idx := range idxs {
		outcome := results[idx]
		entity := entities[idx]

		pluginNames := make([]string, 0, len(outcome.Observed))
		for name := range outcome.Observed {
			pluginNames = append(pluginNames, name)
		}
		sort.Strings(pluginNames)

		for _, pluginName := range pluginNames {
			observedID := outcome.Observed[pluginName]
			if observedID == models.UnavailableOutput || observedID == "" {
				continue
			}
			// Contradictions were removed already, so a carried adapter
			// with this product name means the id matched: nothing to do.
			if len(entity.AdaptersByPluginName(pluginName)) > 0 {
				continue
			}
			pairs = append(pairs, rawPair{
				first: models.CorrelationMember{
					Plugin:  outcome.ResponderPluginID,
					LocalID: outcome.ResponderLocalID,
				},
				secondPluginName: pluginName,
				secondLocalID:    observedID,
				reason:           models.ReasonExecution,
			})
		}
	}
	return pairs
}
