package aggregator

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/bramble/pkg/adapterclient"
	"github.com/Ramsey-B/bramble/pkg/models"
)

// ProbeExecutor probes merged entities through their adapters. It tries the
// entity's adapter instances in document order and returns the first answer;
// an entity with no reachable adapter yields no evidence.
type ProbeExecutor struct {
	client   *adapterclient.Client
	adapters map[string]adapterclient.Adapter
	logger   ectologger.Logger
}

func NewProbeExecutor(client *adapterclient.Client, adapters []adapterclient.Adapter, logger ectologger.Logger) *ProbeExecutor {
	byName := make(map[string]adapterclient.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.PluginUniqueName] = a
	}
	return &ProbeExecutor{
		client:   client,
		adapters: byName,
		logger:   logger,
	}
}

func (e *ProbeExecutor) Probe(ctx context.Context, entity models.MergedEntity) (*models.ExecutionOutcome, error) {
	var lastErr error
	for _, member := range entity.Adapters {
		adapter, ok := e.adapters[member.SourcePluginID]
		if !ok {
			continue
		}
		outcome, err := e.client.Execute(ctx, adapter, member.LocalID)
		if err != nil {
			lastErr = err
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"source_plugin_id": member.SourcePluginID,
				"local_id":         member.LocalID,
			}).Debug("Probe attempt failed, trying next adapter")
			continue
		}
		return outcome, nil
	}
	return nil, lastErr
}
