package bootstrap

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordinaut/ordinaut/config"
)

func openUnconnectedDB(t *testing.T) *sql.DB {
	t.Helper()
	// sql.Open does not dial, so construction-only tests need no server.
	db, err := sql.Open("pgx", "postgres://localhost:1/ordinaut")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewServicesWiresContainer(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	services, err := NewServices(&ServiceDeps{
		Config: cfg,
		DB:     openUnconnectedDB(t),
	})
	require.NoError(t, err)

	assert.NotNil(t, services.Admin)
	assert.NotNil(t, services.Scheduler)
	assert.NotNil(t, services.Worker)
	assert.NotNil(t, services.Coordinator)
	assert.NotNil(t, services.Trigger)
	assert.NotNil(t, services.Repos)
	// No redis client, so no ingress.
	assert.Nil(t, services.Ingress)
}

func TestNewServicesRequiresConfigAndDB(t *testing.T) {
	_, err := NewServices(nil)
	require.Error(t, err)

	_, err = NewServices(&ServiceDeps{})
	require.Error(t, err)
}

func TestBuildBackgroundServices(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	services, err := NewServices(&ServiceDeps{Config: cfg, DB: openUnconnectedDB(t)})
	require.NoError(t, err)

	descriptors := buildBackgroundServices(services)
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	assert.Equal(t, []string{"scheduler", "worker", "coordinator"}, names)
}

func TestValidateServiceConfig(t *testing.T) {
	require.Error(t, ValidateServiceConfig(nil))

	cfg := &config.AppConfig{
		Services: "worker",
		Database: config.DatabaseConfig{URL: "postgres://localhost/ordinaut"},
	}
	require.NoError(t, ValidateServiceConfig(cfg))

	cfg.Services = "bogus"
	require.Error(t, ValidateServiceConfig(cfg))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "postgres://*@db:5432/ordinaut", redactURL("postgres://user:secret@db:5432/ordinaut"))
	assert.Equal(t, "postgres://*@db:5432/ordinaut?sslmode=disable",
		redactURL("postgres://user:secret@db:5432/ordinaut?sslmode=disable"))
	assert.Equal(t, "localhost:6379", redactURL("localhost:6379"))
}
