package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestDB starts a disposable PostgreSQL container, connects to it and
// runs the migrations.
func NewTestDB(t Testing) *gorm.DB {
	ctx := t.Context()
	pgC, err := testcontainers.Run(
		ctx, "postgres:16-alpine",
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "esrc",
			"POSTGRES_PASSWORD": "esrc",
			"POSTGRES_DB":       "esrc",
		}),
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	ip, err := pgC.ContainerIP(t.Context())
	require.NoError(t, err)
	t.Logf("postgres ip: %s", ip)

	db, err := Open(slog.Default(), Config{
		DSN: fmt.Sprintf("host=%s port=5432 user=esrc password=esrc dbname=esrc sslmode=disable", ip),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}
