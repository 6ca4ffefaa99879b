package models

import (
	"strings"
	"time"
)

// PluginType values for AdapterEntity.SourcePluginType.
const (
	PluginTypeAdapter = "Adapter"
	PluginTypePlugin  = "Plugin"
)

// AdapterRef identifies one adapter entity by its identity key.
type AdapterRef struct {
	SourcePluginID string `json:"source_plugin_id"`
	LocalID        string `json:"local_id"`
}

// Key returns the lock/index key for this reference.
func (r AdapterRef) Key() string {
	return r.SourcePluginID + r.LocalID
}

// AdapterEntity is one source's snapshot of one real-world device or user.
// The pair (SourcePluginID, LocalID) uniquely identifies it across all time;
// re-ingesting the same pair overwrites the previous snapshot.
type AdapterEntity struct {
	SourcePluginID   string         `json:"source_plugin_id"`
	PluginName       string         `json:"plugin_name"`
	SourcePluginType string         `json:"source_plugin_type"`
	ClientName       string         `json:"client_name"`
	LocalID          string         `json:"local_id"`
	FetchTime        time.Time      `json:"fetch_time"`
	Fields           map[string]any `json:"fields"`
}

// Ref returns the identity reference for this adapter entity.
func (a AdapterEntity) Ref() AdapterRef {
	return AdapterRef{SourcePluginID: a.SourcePluginID, LocalID: a.LocalID}
}

// IdentityKey returns the lock/index key for this adapter entity.
func (a AdapterEntity) IdentityKey() string {
	return a.SourcePluginID + a.LocalID
}

// Field returns a string field from the schema-less payload, or "" when the
// field is absent or not a string.
func (a AdapterEntity) Field(name string) string {
	v, ok := a.Fields[name]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// Hostname returns the normalized hostname reported by the source.
func (a AdapterEntity) Hostname() string {
	return strings.ToLower(strings.TrimSpace(a.Field("hostname")))
}

// OSType returns the operating system family reported by the source.
func (a AdapterEntity) OSType() string {
	return strings.ToLower(strings.TrimSpace(a.Field("os_type")))
}

// Tag is a labeled annotation some plugin attached to a merged entity.
// (IssuerPluginID, Name) is the tag's identity key; at most one tag per key
// exists on a merged entity.
type Tag struct {
	IssuerPluginID     string       `json:"issuer_plugin_id"`
	IssuerPluginName   string       `json:"issuer_plugin_name,omitempty"`
	Name               string       `json:"name"`
	Type               string       `json:"type,omitempty"`
	Value              any          `json:"value,omitempty"`
	AccurateFor        time.Time    `json:"accurate_for_datetime"`
	AssociatedAdapters []AdapterRef `json:"associated_adapters,omitempty"`
}

// TagKey is the dedup key for tags on a merged entity.
type TagKey struct {
	IssuerPluginID string
	Name           string
}

// Key returns the tag's identity key.
func (t Tag) Key() TagKey {
	return TagKey{IssuerPluginID: t.IssuerPluginID, Name: t.Name}
}

// MergedEntity is the unified record the platform treats as ground truth.
// Invariant: no two members of Adapters share the same (SourcePluginID,
// LocalID), and a given identity pair belongs to exactly one MergedEntity in
// the whole store at any time.
type MergedEntity struct {
	InternalID  string          `json:"internal_id"`
	Adapters    []AdapterEntity `json:"adapters"`
	Tags        []Tag           `json:"tags"`
	LastUpdated time.Time       `json:"last_updated"`
}

// AdapterByIdentity returns the member matching the identity pair, or nil.
func (m *MergedEntity) AdapterByIdentity(sourcePluginID, localID string) *AdapterEntity {
	for i := range m.Adapters {
		if m.Adapters[i].SourcePluginID == sourcePluginID && m.Adapters[i].LocalID == localID {
			return &m.Adapters[i]
		}
	}
	return nil
}

// AdaptersByPluginName returns all members produced by any instance of the
// named adapter product.
func (m *MergedEntity) AdaptersByPluginName(pluginName string) []AdapterEntity {
	var out []AdapterEntity
	for _, a := range m.Adapters {
		if a.PluginName == pluginName {
			out = append(out, a)
		}
	}
	return out
}

// HasIdentity reports whether the identity pair is a member of this entity.
func (m *MergedEntity) HasIdentity(sourcePluginID, localID string) bool {
	return m.AdapterByIdentity(sourcePluginID, localID) != nil
}

// IdentityKeys returns the lock keys for every member.
func (m *MergedEntity) IdentityKeys() []string {
	keys := make([]string, 0, len(m.Adapters))
	for _, a := range m.Adapters {
		keys = append(keys, a.IdentityKey())
	}
	return keys
}

// Refs returns the identity references for every member.
func (m *MergedEntity) Refs() []AdapterRef {
	refs := make([]AdapterRef, 0, len(m.Adapters))
	for _, a := range m.Adapters {
		refs = append(refs, a.Ref())
	}
	return refs
}

// UpsertTag replaces the tag matching the identity key or appends it.
func (m *MergedEntity) UpsertTag(tag Tag) {
	for i := range m.Tags {
		if m.Tags[i].Key() == tag.Key() {
			m.Tags[i] = tag
			return
		}
	}
	m.Tags = append(m.Tags, tag)
}

// TagByName returns the first tag with the given name, or nil.
func (m *MergedEntity) TagByName(name string) *Tag {
	for i := range m.Tags {
		if m.Tags[i].Name == name {
			return &m.Tags[i]
		}
	}
	return nil
}
