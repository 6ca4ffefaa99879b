package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterEntityFieldHelpers(t *testing.T) {
	a := AdapterEntity{
		SourcePluginID: "ad_adapter_1",
		LocalID:        "ad1",
		Fields: map[string]any{
			"hostname": "  DC-01.Example.Com ",
			"os_type":  "Windows",
			"port":     443,
		},
	}

	assert.Equal(t, "dc-01.example.com", a.Hostname())
	assert.Equal(t, "windows", a.OSType())
	assert.Equal(t, "", a.Field("port"))
	assert.Equal(t, "", a.Field("missing"))
	assert.Equal(t, "ad_adapter_1ad1", a.IdentityKey())
}

func TestMergedEntityMembership(t *testing.T) {
	m := MergedEntity{
		InternalID: "axon1",
		Adapters: []AdapterEntity{
			{SourcePluginID: "ad_adapter_1", PluginName: "ad_adapter", LocalID: "ad1"},
			{SourcePluginID: "ad_adapter_2", PluginName: "ad_adapter", LocalID: "ad9"},
			{SourcePluginID: "esx_adapter_1", PluginName: "esx_adapter", LocalID: "esx1"},
		},
	}

	assert.True(t, m.HasIdentity("ad_adapter_1", "ad1"))
	assert.False(t, m.HasIdentity("ad_adapter_1", "ad9"))

	member := m.AdapterByIdentity("esx_adapter_1", "esx1")
	require.NotNil(t, member)
	assert.Equal(t, "esx_adapter", member.PluginName)

	assert.Len(t, m.AdaptersByPluginName("ad_adapter"), 2)
	assert.Empty(t, m.AdaptersByPluginName("aws_adapter"))
	assert.Equal(t, []string{"ad_adapter_1ad1", "ad_adapter_2ad9", "esx_adapter_1esx1"}, m.IdentityKeys())
}

func TestMergedEntityUpsertTag(t *testing.T) {
	m := MergedEntity{InternalID: "axon1"}
	now := time.Now().UTC()

	m.UpsertTag(Tag{IssuerPluginID: "gui", Name: "owner", Value: "alice", AccurateFor: now})
	m.UpsertTag(Tag{IssuerPluginID: "reports", Name: "owner", Value: "bob", AccurateFor: now})
	require.Len(t, m.Tags, 2)

	// Same issuer and name replaces in place.
	m.UpsertTag(Tag{IssuerPluginID: "gui", Name: "owner", Value: "carol", AccurateFor: now.Add(time.Hour)})
	require.Len(t, m.Tags, 2)

	tag := m.TagByName("owner")
	require.NotNil(t, tag)
	assert.Equal(t, "carol", tag.Value)
}
