package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/bramble/pkg/adapterclient"
	"github.com/Ramsey-B/bramble/pkg/models"
)

func TestNormalize(t *testing.T) {
	adapter := adapterclient.Adapter{
		PluginUniqueName: "ad_adapter_1",
		PluginName:       "ad_adapter",
		BaseURL:          "http://ad-adapter:5000",
	}
	fetchTime := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	records := []map[string]any{
		{"id": "ad1", "hostname": "dc-01", "os_type": "Windows"},
		{"id": "ad2"},
		{"hostname": "no-id"},
		{"id": ""},
		{"id": 42},
	}

	entities, skipped := Normalize(adapter, "client_1", records, fetchTime)
	assert.Equal(t, 3, skipped)
	require.Len(t, entities, 2)

	first := entities[0]
	assert.Equal(t, "ad_adapter_1", first.SourcePluginID)
	assert.Equal(t, "ad_adapter", first.PluginName)
	assert.Equal(t, models.PluginTypeAdapter, first.SourcePluginType)
	assert.Equal(t, "client_1", first.ClientName)
	assert.Equal(t, "ad1", first.LocalID)
	assert.Equal(t, fetchTime, first.FetchTime)
	assert.Equal(t, "dc-01", first.Hostname())

	assert.Equal(t, "ad2", entities[1].LocalID)
}

func TestNormalizeEmpty(t *testing.T) {
	adapter := adapterclient.Adapter{PluginUniqueName: "esx_adapter_1", PluginName: "esx_adapter"}
	entities, skipped := Normalize(adapter, "client_1", nil, time.Now().UTC())
	assert.Empty(t, entities)
	assert.Zero(t, skipped)
}

func TestParseAdapterEntry(t *testing.T) {
	adapter, err := adapterclient.ParseAdapter("ad_adapter_1=ad_adapter=http://ad-adapter:5000/")
	require.NoError(t, err)
	assert.Equal(t, "ad_adapter_1", adapter.PluginUniqueName)
	assert.Equal(t, "ad_adapter", adapter.PluginName)
	assert.Equal(t, "http://ad-adapter:5000", adapter.BaseURL)

	_, err = adapterclient.ParseAdapter("ad_adapter_1=http://ad-adapter:5000")
	assert.Error(t, err)
}
