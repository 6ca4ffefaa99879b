package correlation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/bramble/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type stubExecutor struct {
	outcomes map[string]*models.ExecutionOutcome
	err      error
}

func (s *stubExecutor) Probe(_ context.Context, entity models.MergedEntity) (*models.ExecutionOutcome, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.outcomes[entity.InternalID], nil
}

func newTestEngine(executor Executor) *Engine {
	return NewEngine(executor, Config{Workers: 2, ProbeTimeout: 5 * time.Second}, testLogger())
}

func adapter(pluginID, pluginName, localID string, fields map[string]any) models.AdapterEntity {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["id"] = localID
	return models.AdapterEntity{
		SourcePluginID:   pluginID,
		PluginName:       pluginName,
		SourcePluginType: models.PluginTypeAdapter,
		ClientName:       "client_1",
		LocalID:          localID,
		FetchTime:        time.Now().UTC(),
		Fields:           fields,
	}
}

func entity(internalID string, adapters ...models.AdapterEntity) models.MergedEntity {
	return models.MergedEntity{
		InternalID:  internalID,
		Adapters:    adapters,
		Tags:        []models.Tag{},
		LastUpdated: time.Now().UTC(),
	}
}

func TestCorrelateEmptyPopulation(t *testing.T) {
	engine := newTestEngine(nil)
	result := engine.Correlate(context.Background(), nil)
	assert.Empty(t, result.Matches)
	assert.Empty(t, result.Warnings)
}

func TestCorrelateNothingToCorrelate(t *testing.T) {
	engine := newTestEngine(nil)
	population := []models.MergedEntity{
		entity("axon1", adapter("ad_adapter_1", "ad_adapter", "ad1", nil)),
		entity("axon2", adapter("esx_adapter_1", "esx_adapter", "esx1", nil)),
	}

	result := engine.Correlate(context.Background(), population)
	assert.Empty(t, result.Matches)
	assert.Empty(t, result.Warnings)
}

func TestCorrelateSameProductSameID(t *testing.T) {
	engine := newTestEngine(nil)
	population := []models.MergedEntity{
		entity("axon1", adapter("ad_adapter_1", "ad_adapter", "ad1", nil)),
		entity("axon2", adapter("ad_adapter_2", "ad_adapter", "ad1", nil)),
	}

	result := engine.Correlate(context.Background(), population)
	require.Len(t, result.Matches, 1)
	match := result.Matches[0]
	assert.Equal(t, models.ReasonLogic, match.Reason)
	assert.Equal(t, models.CorrelationMember{Plugin: "ad_adapter_1", LocalID: "ad1"}, match.First)
	assert.Equal(t, models.CorrelationMember{Plugin: "ad_adapter_2", LocalID: "ad1"}, match.Second)
}

func TestCorrelateHostnameOverlap(t *testing.T) {
	engine := newTestEngine(nil)
	fields := func() map[string]any {
		return map[string]any{"os_type": "Windows", "hostname": "DC-01.example.com"}
	}
	population := []models.MergedEntity{
		entity("axon1", adapter("ad_adapter_1", "ad_adapter", "ad1", fields())),
		entity("axon2", adapter("sccm_adapter_1", "sccm_adapter", "sccm1", fields())),
	}

	result := engine.Correlate(context.Background(), population)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, models.ReasonLogic, result.Matches[0].Reason)
}

func TestCorrelateHostnameAmbiguous(t *testing.T) {
	engine := newTestEngine(nil)
	fields := func() map[string]any {
		return map[string]any{"os_type": "Windows", "hostname": "DC-01"}
	}
	population := []models.MergedEntity{
		entity("axon1", adapter("ad_adapter_1", "ad_adapter", "ad1", fields())),
		entity("axon2", adapter("sccm_adapter_1", "sccm_adapter", "sccm1", fields())),
		entity("axon3", adapter("esx_adapter_1", "esx_adapter", "esx1", fields())),
	}

	result := engine.Correlate(context.Background(), population)
	assert.Empty(t, result.Matches)
}

func TestCorrelateExecutionEvidence(t *testing.T) {
	executor := &stubExecutor{outcomes: map[string]*models.ExecutionOutcome{
		"axon-esx": {
			ResponderPluginID: "esx_adapter_1",
			ResponderLocalID:  "esx1",
			Observed:          map[string]string{"ad_adapter": "ad1"},
		},
	}}
	engine := newTestEngine(executor)
	population := []models.MergedEntity{
		entity("axon-ad", adapter("ad_adapter_1", "ad_adapter", "ad1", nil)),
		entity("axon-esx", adapter("esx_adapter_1", "esx_adapter", "esx1", nil)),
	}

	result := engine.Correlate(context.Background(), population)
	require.Len(t, result.Matches, 1)
	match := result.Matches[0]
	assert.Equal(t, models.ReasonExecution, match.Reason)
	assert.Equal(t, models.CorrelationMember{Plugin: "esx_adapter_1", LocalID: "esx1"}, match.First)
	assert.Equal(t, models.CorrelationMember{Plugin: "ad_adapter_1", LocalID: "ad1"}, match.Second)
	assert.Empty(t, result.Warnings)
}

func TestCorrelateUnavailableObservation(t *testing.T) {
	executor := &stubExecutor{outcomes: map[string]*models.ExecutionOutcome{
		"axon-esx": {
			ResponderPluginID: "esx_adapter_1",
			ResponderLocalID:  "esx1",
			Observed:          map[string]string{"ad_adapter": models.UnavailableOutput},
		},
	}}
	engine := newTestEngine(executor)
	population := []models.MergedEntity{
		entity("axon-ad", adapter("ad_adapter_1", "ad_adapter", "ad1", nil)),
		entity("axon-esx", adapter("esx_adapter_1", "esx_adapter", "esx1", nil)),
	}

	result := engine.Correlate(context.Background(), population)
	assert.Empty(t, result.Matches)
	assert.Empty(t, result.Warnings)
}

func TestCorrelateObservedIDNobodyCarries(t *testing.T) {
	executor := &stubExecutor{outcomes: map[string]*models.ExecutionOutcome{
		"axon-esx": {
			ResponderPluginID: "esx_adapter_1",
			ResponderLocalID:  "esx1",
			Observed:          map[string]string{"ad_adapter": "ad3"},
		},
	}}
	engine := newTestEngine(executor)
	population := []models.MergedEntity{
		entity("axon-esx", adapter("esx_adapter_1", "esx_adapter", "esx1", nil)),
	}

	result := engine.Correlate(context.Background(), population)
	assert.Empty(t, result.Matches)
	assert.Empty(t, result.Warnings)
}

func TestCorrelateNonexistentDeduction(t *testing.T) {
	// Neither entity carries ad3, but both probes claim to be it: the two
	// responders describe the same machine.
	executor := &stubExecutor{outcomes: map[string]*models.ExecutionOutcome{
		"axon-esx": {
			ResponderPluginID: "esx_adapter_1",
			ResponderLocalID:  "esx1",
			Observed:          map[string]string{"ad_adapter": "ad3"},
		},
		"axon-aws": {
			ResponderPluginID: "aws_adapter_1",
			ResponderLocalID:  "aws1",
			Observed:          map[string]string{"ad_adapter": "ad3"},
		},
	}}
	engine := newTestEngine(executor)
	population := []models.MergedEntity{
		entity("axon-esx", adapter("esx_adapter_1", "esx_adapter", "esx1", nil)),
		entity("axon-aws", adapter("aws_adapter_1", "aws_adapter", "aws1", nil)),
	}

	result := engine.Correlate(context.Background(), population)
	require.Len(t, result.Matches, 1)
	match := result.Matches[0]
	assert.Equal(t, models.ReasonNonexistentDeduction, match.Reason)
	members := map[models.CorrelationMember]struct{}{match.First: {}, match.Second: {}}
	assert.Contains(t, members, models.CorrelationMember{Plugin: "esx_adapter_1", LocalID: "esx1"})
	assert.Contains(t, members, models.CorrelationMember{Plugin: "aws_adapter_1", LocalID: "aws1"})
}

func TestCorrelateContradiction(t *testing.T) {
	// The entity already carries ad_adapter id ad1, but its probe observed
	// ad2. That is a contradiction, not a correlation.
	executor := &stubExecutor{outcomes: map[string]*models.ExecutionOutcome{
		"axon1": {
			ResponderPluginID: "esx_adapter_1",
			ResponderLocalID:  "esx1",
			Observed:          map[string]string{"ad_adapter": "ad2"},
		},
	}}
	engine := newTestEngine(executor)
	population := []models.MergedEntity{
		entity("axon1",
			adapter("ad_adapter_1", "ad_adapter", "ad1", nil),
			adapter("esx_adapter_1", "esx_adapter", "esx1", nil),
		),
		entity("axon2", adapter("ad_adapter_2", "ad_adapter", "ad2", nil)),
	}

	result := engine.Correlate(context.Background(), population)
	assert.Empty(t, result.Matches)
	require.Len(t, result.Warnings, 1)
	warning := result.Warnings[0]
	assert.Equal(t, models.NotificationCorrelationContradiction, warning.NotificationType)
	assert.Equal(t, []string{"axon1", "ad_adapter", "ad1", "ad2"}, warning.Content)
}

func TestCorrelateStronglyUnbound(t *testing.T) {
	executor := &stubExecutor{outcomes: map[string]*models.ExecutionOutcome{
		"axon-esx": {
			ResponderPluginID: "esx_adapter_1",
			ResponderLocalID:  "esx1",
			Observed:          map[string]string{"ad_adapter": "ad1"},
		},
	}}
	engine := newTestEngine(executor)

	esx := entity("axon-esx", adapter("esx_adapter_1", "esx_adapter", "esx1", nil))
	esx.Tags = []models.Tag{{
		IssuerPluginID: "gui",
		Name:           models.TagStronglyUnbound,
		Value:          []any{[]any{"ad_adapter", "ad1"}},
		AccurateFor:    time.Now().UTC(),
	}}
	population := []models.MergedEntity{
		entity("axon-ad", adapter("ad_adapter_1", "ad_adapter", "ad1", nil)),
		esx,
	}

	result := engine.Correlate(context.Background(), population)
	assert.Empty(t, result.Matches)
}

func TestCorrelateProbeErrorsAreNoEvidence(t *testing.T) {
	engine := newTestEngine(&stubExecutor{err: errors.New("endpoint unreachable")})
	population := []models.MergedEntity{
		entity("axon-ad", adapter("ad_adapter_1", "ad_adapter", "ad1", nil)),
		entity("axon-esx", adapter("esx_adapter_1", "esx_adapter", "esx1", nil)),
	}

	result := engine.Correlate(context.Background(), population)
	assert.Empty(t, result.Matches)
	assert.Empty(t, result.Warnings)
}

func TestFindContradictionsRemovesResults(t *testing.T) {
	population := []models.MergedEntity{
		entity("axon1",
			adapter("ad_adapter_1", "ad_adapter", "ad1", nil),
			adapter("esx_adapter_1", "esx_adapter", "esx1", nil),
		),
	}
	results := map[int]models.ExecutionOutcome{
		0: {
			ResponderPluginID: "esx_adapter_1",
			ResponderLocalID:  "esx1",
			Observed:          map[string]string{"ad_adapter": "ad2"},
		},
	}

	warnings := findContradictions(population, results)
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"axon1", "ad_adapter", "ad1", "ad2"}, warnings[0].Content)
	assert.Empty(t, results)
}

func TestFindContradictionsMatchingEvidenceKept(t *testing.T) {
	population := []models.MergedEntity{
		entity("axon1",
			adapter("ad_adapter_1", "ad_adapter", "ad1", nil),
			adapter("esx_adapter_1", "esx_adapter", "esx1", nil),
		),
	}
	results := map[int]models.ExecutionOutcome{
		0: {
			ResponderPluginID: "esx_adapter_1",
			ResponderLocalID:  "esx1",
			Observed:          map[string]string{"ad_adapter": "ad1"},
		},
	}

	warnings := findContradictions(population, results)
	assert.Empty(t, warnings)
	assert.Len(t, results, 1)
}

func TestFindContradictionsComparesFirstMemberPerProduct(t *testing.T) {
	population := []models.MergedEntity{
		entity("axon1",
			adapter("ad_adapter_1", "ad_adapter", "ad1", nil),
			adapter("ad_adapter_2", "ad_adapter", "ad2", nil),
		),
	}
	results := map[int]models.ExecutionOutcome{
		0: {
			ResponderPluginID: "ad_adapter_1",
			ResponderLocalID:  "ad1",
			Observed:          map[string]string{"ad_adapter": "ad1"},
		},
	}

	// The first ad_adapter member matches the observation; the second
	// member carrying a different id is not a contradiction.
	warnings := findContradictions(population, results)
	assert.Empty(t, warnings)
	assert.Len(t, results, 1)
}
