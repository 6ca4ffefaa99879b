package association

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/bramble/internal/repositories/mergedentity"
	"github.com/Ramsey-B/bramble/internal/repositories/rawhistory"
	"github.com/Ramsey-B/bramble/pkg/appcontext"
	"github.com/Ramsey-B/bramble/pkg/database"
	"github.com/Ramsey-B/bramble/pkg/keylock"
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
			MigrationFolderPath: "../../db/pg",
		})
		require.NoError(t, migrations.Migrate(dbName, driver))
	})

	return database.NewDatabaseInstance(db, testLogger())
}

func uniquePlugin(name string) string {
	return name + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// recordingNotifier reads each announced entity back through the pool. A
// notification fired before commit would not see the mutation yet.
type recordingNotifier struct {
	repo *mergedentity.Repository

	upserted int
	linked   int
	unlinked int
	tagged   int
	visible  []bool
}

func (n *recordingNotifier) committed(internalID string) {
	got, err := n.repo.Get(context.Background(), internalID)
	n.visible = append(n.visible, err == nil && got != nil)
}

func (n *recordingNotifier) EntityUpserted(ctx context.Context, entity *models.MergedEntity, created bool) {
	n.upserted++
	n.committed(entity.InternalID)
}

func (n *recordingNotifier) EntitiesLinked(ctx context.Context, entity *models.MergedEntity, replaced []string) {
	n.linked++
	n.committed(entity.InternalID)
}

func (n *recordingNotifier) EntityUnlinked(ctx context.Context, split *models.MergedEntity, remaining *models.MergedEntity) {
	n.unlinked++
	n.committed(split.InternalID)
}

func (n *recordingNotifier) EntityTagged(ctx context.Context, entity *models.MergedEntity, tag models.Tag) {
	n.tagged++
	n.committed(entity.InternalID)
}

func seedEntity(t *testing.T, repo *mergedentity.Repository, members ...models.AdapterEntity) *models.MergedEntity {
	t.Helper()
	entity := &models.MergedEntity{Adapters: members, Tags: []models.Tag{}}
	require.NoError(t, repo.Insert(context.Background(), entity))
	return entity
}

func TestProcessLinkNotifiesAfterCommit(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := mergedentity.NewRepository(db, testLogger(), 0)
	history := rawhistory.NewRepository(db, testLogger())
	notifier := &recordingNotifier{repo: repo}
	handler := NewHandler(keylock.NewManager(), repo, history, notifier, testLogger())

	adPlugin := uniquePlugin("ad_adapter_1")
	esxPlugin := uniquePlugin("esx_adapter_1")
	seedEntity(t, repo, adapter(adPlugin, "ad_adapter", "ad1"))
	seedEntity(t, repo, adapter(esxPlugin, "esx_adapter", "esx1"))

	ctx := appcontext.SetPluginID(context.Background(), "static_correlator")
	merged, err := handler.Process(ctx, &models.AssociationRequest{
		AssociationType: models.AssociationLink,
		Entities:        map[string]string{adPlugin: "ad1", esxPlugin: "esx1"},
	})
	require.NoError(t, err)
	require.Len(t, merged.Adapters, 2)

	require.Equal(t, 1, notifier.linked)
	require.Len(t, notifier.visible, 1)
	assert.True(t, notifier.visible[0], "notification must observe the committed document")
}

func TestProcessTagNotifiesAfterCommit(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := mergedentity.NewRepository(db, testLogger(), 0)
	history := rawhistory.NewRepository(db, testLogger())
	notifier := &recordingNotifier{repo: repo}
	handler := NewHandler(keylock.NewManager(), repo, history, notifier, testLogger())

	adPlugin := uniquePlugin("ad_adapter_1")
	seedEntity(t, repo, adapter(adPlugin, "ad_adapter", "ad1"))

	ctx := appcontext.SetPluginID(context.Background(), "gui")
	tagged, err := handler.Process(ctx, &models.AssociationRequest{
		AssociationType: models.AssociationTag,
		Entities:        map[string]string{adPlugin: "ad1"},
		TagName:         "owner",
		TagValue:        "it-ops",
	})
	require.NoError(t, err)
	require.Len(t, tagged.Tags, 1)

	require.Equal(t, 1, notifier.tagged)
	require.Len(t, notifier.visible, 1)
	assert.True(t, notifier.visible[0], "notification must observe the committed document")
}

func TestProcessRejectedRequestDoesNotNotify(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := mergedentity.NewRepository(db, testLogger(), 0)
	history := rawhistory.NewRepository(db, testLogger())
	notifier := &recordingNotifier{repo: repo}
	handler := NewHandler(keylock.NewManager(), repo, history, notifier, testLogger())

	adPlugin := uniquePlugin("ad_adapter_1")
	seedEntity(t, repo, adapter(adPlugin, "ad_adapter", "ad1"))

	ctx := appcontext.SetPluginID(context.Background(), "static_correlator")
	_, err := handler.Process(ctx, &models.AssociationRequest{
		AssociationType: models.AssociationLink,
		Entities:        map[string]string{adPlugin: "ad1"},
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	assert.Zero(t, notifier.linked)
	assert.Zero(t, notifier.tagged)
	assert.Empty(t, notifier.visible)
}
