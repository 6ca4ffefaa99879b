// Package aggregator runs the fetch side of the system: it pulls raw device
// payloads from every configured adapter, normalizes them into adapter
// entities, and upserts them into the merge store.
package aggregator

import (
	"time"

	"github.com/Ramsey-B/bramble/pkg/adapterclient"
	"github.com/Ramsey-B/bramble/pkg/models"
)

// Normalize turns one client's raw device records into adapter entities.
// A record without a non-empty string id has no usable identity and is
// skipped; the skip count is returned so the cycle can report it.
func Normalize(adapter adapterclient.Adapter, clientName string, records []map[string]any, fetchTime time.Time) ([]models.AdapterEntity, int) {
	entities := make([]models.AdapterEntity, 0, len(records))
	skipped := 0

	for _, record := range records {
		localID, _ := record["id"].(string)
		if localID == "" {
			skipped++
			continue
		}
		entities = append(entities, models.AdapterEntity{
			SourcePluginID:   adapter.PluginUniqueName,
			PluginName:       adapter.PluginName,
			SourcePluginType: models.PluginTypeAdapter,
			ClientName:       clientName,
			LocalID:          localID,
			FetchTime:        fetchTime,
			Fields:           record,
		})
	}
	return entities, skipped
}
