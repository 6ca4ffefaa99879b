package mergedentity_test

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/bramble/internal/repositories/mergedentity"
	"github.com/Ramsey-B/bramble/pkg/database"
	"github.com/Ramsey-B/bramble/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

var migrateOnce sync.Once

func getTestDB(t *testing.T) database.DB {
	t.Helper()

	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}
	dbUser := os.Getenv("DB_USER_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	dbPass := os.Getenv("DB_PASSWORD")
	if dbPass == "" {
		dbPass = "password"
	}
	dbName := os.Getenv("DB_NAME")
	if dbName == "" {
		dbName = "bramble"
	}

	dsn := "host=" + dbHost + " user=" + dbUser + " password=" + dbPass + " dbname=" + dbName + " sslmode=disable"
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err, "Failed to connect to test database")

	migrateOnce.Do(func() {
		driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
		require.NoError(t, err)
		migrations := database.NewMigrationService(testLogger(), &database.MigrationConfig{
			MigrationFolderPath: "../../../db/pg",
		})
		require.NoError(t, migrations.Migrate(dbName, driver))
	})

	return database.NewDatabaseInstance(db, testLogger())
}

// uniquePlugin keeps tests rerunnable against a shared database.
func uniquePlugin(name string) string {
	return name + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func adapterEntity(sourcePluginID, pluginName, localID string) models.AdapterEntity {
	return models.AdapterEntity{
		SourcePluginID:   sourcePluginID,
		PluginName:       pluginName,
		SourcePluginType: models.PluginTypeAdapter,
		ClientName:       "client_1",
		LocalID:          localID,
		FetchTime:        time.Now().UTC(),
		Fields:           map[string]any{"id": localID},
	}
}

func TestRepository_InsertGetDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := mergedentity.NewRepository(db, testLogger(), 0)
	ctx := context.Background()

	plugin := uniquePlugin("ad_adapter_1")
	entity := &models.MergedEntity{
		Adapters: []models.AdapterEntity{adapterEntity(plugin, "ad_adapter", "ad1")},
		Tags:     []models.Tag{},
	}

	require.NoError(t, repo.Insert(ctx, entity))
	require.NotEmpty(t, entity.InternalID)

	got, err := repo.Get(ctx, entity.InternalID)
	require.NoError(t, err)
	assert.Equal(t, entity.InternalID, got.InternalID)
	require.Len(t, got.Adapters, 1)
	assert.Equal(t, plugin, got.Adapters[0].SourcePluginID)
	assert.Equal(t, "ad1", got.Adapters[0].LocalID)

	byIdentity, err := repo.GetByIdentity(ctx, plugin, "ad1")
	require.NoError(t, err)
	require.NotNil(t, byIdentity)
	assert.Equal(t, entity.InternalID, byIdentity.InternalID)

	require.NoError(t, repo.Delete(ctx, entity.InternalID))

	_, err = repo.Get(ctx, entity.InternalID)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))

	byIdentity, err = repo.GetByIdentity(ctx, plugin, "ad1")
	require.NoError(t, err)
	assert.Nil(t, byIdentity)
}

func TestRepository_UpsertAdapterIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := mergedentity.NewRepository(db, testLogger(), 0)
	ctx := context.Background()

	plugin := uniquePlugin("ad_adapter_1")
	entity := adapterEntity(plugin, "ad_adapter", "ad1")

	first, err := repo.UpsertAdapter(ctx, entity)
	require.NoError(t, err)
	assert.True(t, first.Created)
	require.NotNil(t, first.Entity)

	second, err := repo.UpsertAdapter(ctx, entity)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.InternalID, second.InternalID)

	got, err := repo.Get(ctx, first.InternalID)
	require.NoError(t, err)
	assert.Len(t, got.Adapters, 1, "double apply must converge to one member")
}

func TestRepository_UpsertAdapterReplacesInPlace(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := mergedentity.NewRepository(db, testLogger(), 0)
	ctx := context.Background()

	adPlugin := uniquePlugin("ad_adapter_1")
	esxPlugin := uniquePlugin("esx_adapter_1")
	entity := &models.MergedEntity{
		Adapters: []models.AdapterEntity{
			adapterEntity(adPlugin, "ad_adapter", "ad1"),
			adapterEntity(esxPlugin, "esx_adapter", "esx1"),
		},
		Tags: []models.Tag{},
	}
	require.NoError(t, repo.Insert(ctx, entity))

	fresh := adapterEntity(adPlugin, "ad_adapter", "ad1")
	fresh.Fields["hostname"] = "dc-01"

	res, err := repo.UpsertAdapter(ctx, fresh)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, entity.InternalID, res.InternalID)

	got, err := repo.Get(ctx, entity.InternalID)
	require.NoError(t, err)
	require.Len(t, got.Adapters, 2)
	member := got.AdapterByIdentity(adPlugin, "ad1")
	require.NotNil(t, member)
	assert.Equal(t, "dc-01", member.Fields["hostname"])
	assert.NotNil(t, got.AdapterByIdentity(esxPlugin, "esx1"))
}

func TestRepository_IdentityExclusivity(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := mergedentity.NewRepository(db, testLogger(), 0)
	ctx := context.Background()

	plugin := uniquePlugin("ad_adapter_1")
	ref := models.AdapterRef{SourcePluginID: plugin, LocalID: "ad1"}

	first := &models.MergedEntity{
		Adapters: []models.AdapterEntity{adapterEntity(plugin, "ad_adapter", "ad1")},
		Tags:     []models.Tag{},
	}
	require.NoError(t, repo.Insert(ctx, first))

	second := &models.MergedEntity{
		Adapters: []models.AdapterEntity{adapterEntity(plugin, "ad_adapter", "ad1")},
		Tags:     []models.Tag{},
	}
	require.NoError(t, repo.Insert(ctx, second))

	// The later Insert repoints the index row; the identity pair resolves
	// to exactly one document.
	candidates, err := repo.FindCandidates(ctx, []models.AdapterRef{ref})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, second.InternalID, candidates[0].InternalID)

	require.NoError(t, repo.Reindex(ctx, []models.AdapterRef{ref}, first.InternalID))

	candidates, err = repo.FindCandidates(ctx, []models.AdapterRef{ref})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, first.InternalID, candidates[0].InternalID)
}

func TestRepository_FindCandidatesAcrossDocuments(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := mergedentity.NewRepository(db, testLogger(), 0)
	ctx := context.Background()

	adPlugin := uniquePlugin("ad_adapter_1")
	esxPlugin := uniquePlugin("esx_adapter_1")

	first := &models.MergedEntity{
		Adapters: []models.AdapterEntity{adapterEntity(adPlugin, "ad_adapter", "ad1")},
		Tags:     []models.Tag{},
	}
	require.NoError(t, repo.Insert(ctx, first))

	second := &models.MergedEntity{
		Adapters: []models.AdapterEntity{adapterEntity(esxPlugin, "esx_adapter", "esx1")},
		Tags:     []models.Tag{},
	}
	require.NoError(t, repo.Insert(ctx, second))

	candidates, err := repo.FindCandidates(ctx, []models.AdapterRef{
		{SourcePluginID: adPlugin, LocalID: "ad1"},
		{SourcePluginID: esxPlugin, LocalID: "esx1"},
	})
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	ids := []string{candidates[0].InternalID, candidates[1].InternalID}
	assert.Contains(t, ids, first.InternalID)
	assert.Contains(t, ids, second.InternalID)
}

func TestRepository_DocumentTooLarge(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := mergedentity.NewRepository(db, testLogger(), 64)
	ctx := context.Background()

	plugin := uniquePlugin("ad_adapter_1")
	entity := adapterEntity(plugin, "ad_adapter", "ad1")
	entity.Fields["notes"] = strings.Repeat("x", 256)

	_, err := repo.UpsertAdapter(ctx, entity)
	require.Error(t, err)
	assert.True(t, mergedentity.IsDocumentTooLarge(err))
}
