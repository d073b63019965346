package store_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"markdownflow/api/internal/apikey"
	"markdownflow/api/internal/store"
	"markdownflow/api/internal/util"
)

func setupTestStore(t *testing.T) (*store.PostgresStore, context.Context) {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("MDFLOW_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("MDFLOW_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	if err := store.ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	return store.NewPostgresStore(db), ctx
}

func seedAdmin(t *testing.T, ctx context.Context, st *store.PostgresStore) store.User {
	t.Helper()
	user := store.User{
		ID:           util.NewID("user"),
		Email:        "admin@example.com",
		PasswordHash: "not-a-real-hash",
		Role:         store.RoleAdmin,
	}
	created, err := st.CreateFirstUser(ctx, user)
	if err != nil {
		t.Fatalf("create first user: %v", err)
	}
	if !created {
		t.Fatal("expected first user to be created in a fresh schema")
	}
	return user
}

func TestLatestVersionAfterSequentialUploads(t *testing.T) {
	st, ctx := setupTestStore(t)
	user := seedAdmin(t, ctx, st)

	project, err := st.EnsureProject(ctx, user.ID, "docs")
	if err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	file, err := st.EnsureFile(ctx, project.ID, "readme.md")
	if err != nil {
		t.Fatalf("ensure file: %v", err)
	}

	const uploads = 5
	var lastContent string
	for i := 1; i <= uploads; i++ {
		lastContent = fmt.Sprintf("# revision %d\n", i)
		version := store.FileVersion{
			ID:      util.NewID("ver"),
			FileID:  file.ID,
			Content: lastContent,
		}
		if err := st.InsertVersion(ctx, version); err != nil {
			t.Fatalf("insert version %d: %v", i, err)
		}
	}

	latest, err := st.LatestVersion(ctx, file.ID)
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if latest.Content != lastContent {
		t.Errorf("latest content = %q, want %q", latest.Content, lastContent)
	}

	versions, err := st.ListVersions(ctx, file.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != uploads {
		t.Fatalf("expected %d versions, got %d", uploads, len(versions))
	}
	if versions[0].ID != latest.ID {
		t.Errorf("newest version %s is not first in the list (%s)", latest.ID, versions[0].ID)
	}
}

func TestSecondRegistrationRefused(t *testing.T) {
	st, ctx := setupTestStore(t)
	seedAdmin(t, ctx, st)

	created, err := st.CreateFirstUser(ctx, store.User{
		ID:           util.NewID("user"),
		Email:        "second@example.com",
		PasswordHash: "not-a-real-hash",
		Role:         store.RoleAdmin,
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Error("expected second registration to be refused")
	}

	count, err := st.UserCount(ctx)
	if err != nil {
		t.Fatalf("user count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 user, got %d", count)
	}
}

func TestAPIKeyInvalidAfterRevoke(t *testing.T) {
	st, ctx := setupTestStore(t)
	user := seedAdmin(t, ctx, st)

	keys := apikey.NewService(st)
	generated, err := keys.Generate(ctx, user.ID, "ci-bot")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	resolved, err := keys.Resolve(ctx, generated.RawKey)
	if err != nil {
		t.Fatalf("resolve before revoke: %v", err)
	}
	if resolved.ID != user.ID {
		t.Errorf("resolved owner %s, want %s", resolved.ID, user.ID)
	}

	deleted, err := st.DeleteAPIKey(ctx, generated.Key.ID, user.ID)
	if err != nil {
		t.Fatalf("delete key: %v", err)
	}
	if !deleted {
		t.Fatal("expected key row to be deleted")
	}

	if _, err := keys.Resolve(ctx, generated.RawKey); !errors.Is(err, apikey.ErrInvalidKey) {
		t.Errorf("resolve after revoke: got %v, want ErrInvalidKey", err)
	}
}

func TestEnsureProjectConflictReturnsExisting(t *testing.T) {
	st, ctx := setupTestStore(t)
	user := seedAdmin(t, ctx, st)

	first, err := st.EnsureProject(ctx, user.ID, "docs")
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	second, err := st.EnsureProject(ctx, user.ID, "docs")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("duplicate ensure created a new project: %s vs %s", first.ID, second.ID)
	}
}
