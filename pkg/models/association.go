package models

import "time"

// AssociationType enumerates the merge-store mutations plugins can request.
type AssociationType string

const (
	AssociationTag    AssociationType = "Tag"
	AssociationLink   AssociationType = "Link"
	AssociationUnlink AssociationType = "Unlink"
)

// AssociationRequest is the body of POST /api/v1/plugin_push. Entities maps
// source_plugin_id to the local_id of the adapter entity the caller refers
// to: exactly 1 for Tag, 2 or more for Link, any subset of one merged
// entity's membership for Unlink.
type AssociationRequest struct {
	AssociationType AssociationType   `json:"association_type" validate:"required,oneof=Tag Link Unlink"`
	Entities        map[string]string `json:"associated_adapter_devices" validate:"required,min=1"`

	// Tag fields, used only when AssociationType is Tag.
	TagName  string    `json:"tagname,omitempty"`
	TagType  string    `json:"tagtype,omitempty"`
	TagValue any       `json:"tagvalue,omitempty"`
	Accurate time.Time `json:"accurate_for_datetime,omitempty"`
}

// Refs returns the identity references named by the request.
func (r *AssociationRequest) Refs() []AdapterRef {
	refs := make([]AdapterRef, 0, len(r.Entities))
	for pluginID, localID := range r.Entities {
		refs = append(refs, AdapterRef{SourcePluginID: pluginID, LocalID: localID})
	}
	return refs
}

// LockKeys returns the identity-key lock set for the request.
func (r *AssociationRequest) LockKeys() []string {
	keys := make([]string, 0, len(r.Entities))
	for pluginID, localID := range r.Entities {
		keys = append(keys, pluginID+localID)
	}
	return keys
}
