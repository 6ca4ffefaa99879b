package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/bramble/internal/repositories/mergedentity"
	"github.com/Ramsey-B/bramble/internal/repositories/rawhistory"
	"github.com/Ramsey-B/bramble/pkg/adapterclient"
	"github.com/Ramsey-B/bramble/pkg/association"
	"github.com/Ramsey-B/bramble/pkg/keylock"
	"github.com/Ramsey-B/bramble/pkg/models"
	"github.com/Ramsey-B/bramble/pkg/taskgroup"
	"github.com/Ramsey-B/bramble/pkg/tracing"
)

// Config tunes fetch cycles.
type Config struct {
	Workers      int
	BatchTimeout time.Duration
}

// Coordinator runs fetch cycles against the configured adapters.
type Coordinator struct {
	client   *adapterclient.Client
	adapters []adapterclient.Adapter
	repo     *mergedentity.Repository
	history  *rawhistory.Repository
	locks    *keylock.Manager
	notifier association.Notifier
	config   Config
	logger   ectologger.Logger
}

func NewCoordinator(client *adapterclient.Client, adapters []adapterclient.Adapter, repo *mergedentity.Repository, history *rawhistory.Repository, locks *keylock.Manager, notifier association.Notifier, config Config, logger ectologger.Logger) *Coordinator {
	if config.Workers < 1 {
		config.Workers = 8
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 5 * time.Minute
	}
	return &Coordinator{
		client:   client,
		adapters: adapters,
		repo:     repo,
		history:  history,
		locks:    locks,
		notifier: notifier,
		config:   config,
		logger:   logger,
	}
}

// Adapters returns the configured adapter set.
func (c *Coordinator) Adapters() []adapterclient.Adapter {
	return c.adapters
}

// AdapterByUniqueName resolves one configured adapter.
func (c *Coordinator) AdapterByUniqueName(pluginUniqueName string) (adapterclient.Adapter, bool) {
	for _, a := range c.adapters {
		if a.PluginUniqueName == pluginUniqueName {
			return a, true
		}
	}
	return adapterclient.Adapter{}, false
}

// CycleStats reports one adapter's fetch cycle.
type CycleStats struct {
	Adapter   string `json:"adapter"`
	Clients   int    `json:"clients"`
	Records   int    `json:"records"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Abandoned int    `json:"abandoned"`
}

// RunAll runs a fetch cycle for every configured adapter. One adapter's
// failure never blocks the others.
func (c *Coordinator) RunAll(ctx context.Context) []CycleStats {
	ctx, span := tracing.StartSpan(ctx, "aggregator.Coordinator.RunAll")
	defer span.End()

	stats := make([]CycleStats, 0, len(c.adapters))
	for _, adapter := range c.adapters {
		cycle, err := c.RunCycle(ctx, adapter)
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"adapter": adapter.PluginUniqueName,
			}).Error("Fetch cycle failed")
			continue
		}
		stats = append(stats, *cycle)
	}
	return stats
}

// RunCycle fetches every client of one adapter and upserts the normalized
// records. Failing to list clients aborts the cycle for this adapter only;
// a single client or record failing is counted and skipped.
func (c *Coordinator) RunCycle(ctx context.Context, adapter adapterclient.Adapter) (*CycleStats, error) {
	ctx, span := tracing.StartSpan(ctx, "aggregator.Coordinator.RunCycle")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"adapter": adapter.PluginUniqueName,
	})

	clients, err := c.client.Clients(ctx, adapter)
	if err != nil {
		return nil, err
	}

	stats := &CycleStats{Adapter: adapter.PluginUniqueName, Clients: len(clients)}
	fetchTime := time.Now().UTC()

	for _, clientName := range clients {
		payload, err := c.client.DevicesByName(ctx, adapter, clientName)
		if err != nil {
			stats.Failed++
			log.WithError(err).WithFields(map[string]any{
				"client": clientName,
			}).Error("Failed to fetch devices, skipping client")
			continue
		}

		if err := c.history.Append(ctx, adapter.PluginUniqueName, clientName, rawhistory.KindFetch, json.RawMessage(payload.Raw)); err != nil {
			log.WithError(err).Warn("Failed to archive raw payload")
		}

		entities, skipped := Normalize(adapter, clientName, payload.Parsed, fetchTime)
		stats.Skipped += skipped
		if skipped > 0 {
			log.WithFields(map[string]any{
				"client":  clientName,
				"skipped": skipped,
			}).Warn("Skipped records without a usable id")
		}

		c.upsertBatch(ctx, entities, stats, log)
	}

	log.WithFields(map[string]any{
		"clients":   stats.Clients,
		"records":   stats.Records,
		"skipped":   stats.Skipped,
		"failed":    stats.Failed,
		"abandoned": stats.Abandoned,
	}).Info("Fetch cycle finished")

	return stats, nil
}

func (c *Coordinator) upsertBatch(ctx context.Context, entities []models.AdapterEntity, stats *CycleStats, log ectologger.Logger) {
	group := taskgroup.New(c.config.Workers)
	for _, entity := range entities {
		entity := entity
		group.Go(func(taskCtx context.Context) error {
			return c.upsertOne(taskCtx, entity)
		})
	}

	result := group.Join(ctx, c.config.BatchTimeout)
	stats.Records += result.Completed
	stats.Failed += result.Failed
	stats.Abandoned += result.Abandoned

	for _, err := range result.Errs {
		log.WithError(err).Error("Failed to upsert adapter entity")
	}
	if result.TimedOut() {
		log.WithFields(map[string]any{
			"abandoned": result.Abandoned,
		}).Error("Upsert batch timed out, abandoned remaining records")
	}
}

func (c *Coordinator) upsertOne(ctx context.Context, entity models.AdapterEntity) error {
	guard := c.locks.Acquire(entity.SourcePluginID + entity.LocalID)
	defer guard.Release()

	res, err := c.repo.UpsertAdapter(ctx, entity)
	if err != nil {
		if mergedentity.IsDocumentTooLarge(err) {
			// An oversized document must not wedge the cycle: drop the
			// record and keep going.
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"source_plugin_id": entity.SourcePluginID,
				"local_id":         entity.LocalID,
			}).Error("Dropping adapter entity, merged document too large")
			return nil
		}
		return err
	}

	if c.notifier != nil {
		c.notifier.EntityUpserted(ctx, res.Entity, res.Created)
	}
	return nil
}
