package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStoreTest(t *testing.T) (*Store, *redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(NewRedisBackend(rdb), "tf")
	return store, rdb, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func testPrincipal() *Principal {
	return &Principal{
		ID:          "u-1",
		Name:        "Jane Doe",
		Email:       "jane@example.com",
		CompanyID:   "c-9",
		CompanyRole: "ADMIN",
		SystemRole:  "USER",
	}
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	fb, err := NewFileBackend(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	_, rdb, _, done := newRedisStoreTest(t)
	t.Cleanup(done)
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   fb,
		"redis":  NewRedisBackend(rdb),
	}
}

func TestStoreRoundTripAcrossBackends(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(backend, "")

			if tok, err := store.Token(ctx); err != nil || tok != "" {
				t.Fatalf("expected empty token, got %q %v", tok, err)
			}
			if p, err := store.Principal(ctx); err != nil || p != nil {
				t.Fatalf("expected no principal, got %+v %v", p, err)
			}

			if err := store.SaveToken(ctx, "a.b.c"); err != nil {
				t.Fatalf("save token: %v", err)
			}
			want := testPrincipal()
			if err := store.SavePrincipal(ctx, want); err != nil {
				t.Fatalf("save principal: %v", err)
			}
			if err := store.SaveConversationID(ctx, "conv-1"); err != nil {
				t.Fatalf("save conversation: %v", err)
			}

			tok, err := store.Token(ctx)
			if err != nil || tok != "a.b.c" {
				t.Fatalf("token = %q %v", tok, err)
			}
			got, err := store.Principal(ctx)
			if err != nil {
				t.Fatalf("principal: %v", err)
			}
			if *got != *want {
				t.Fatalf("principal mismatch: %+v vs %+v", got, want)
			}

			if err := store.Clear(ctx); err != nil {
				t.Fatalf("clear: %v", err)
			}
			if err := store.Clear(ctx); err != nil {
				t.Fatalf("second clear must be idempotent: %v", err)
			}
			if tok, _ := store.Token(ctx); tok != "" {
				t.Fatalf("token survived clear: %q", tok)
			}
			if id, _ := store.ConversationID(ctx); id != "conv-1" {
				t.Fatalf("conversation id must survive session clear, got %q", id)
			}
		})
	}
}

func TestStoreMigratesLegacyJSONPrincipal(t *testing.T) {
	ctx := context.Background()
	store, rdb, _, done := newRedisStoreTest(t)
	defer done()

	legacy := `{"id":"u-1","name":"Jane Doe","email":"jane@example.com","companyId":"c-9","companyRole":"ADMIN","systemRole":"USER"}`
	if err := rdb.Set(ctx, "tf:user", legacy, 0).Err(); err != nil {
		t.Fatalf("seed legacy record: %v", err)
	}

	p, err := store.Principal(ctx)
	if err != nil {
		t.Fatalf("read legacy principal: %v", err)
	}
	if *p != *testPrincipal() {
		t.Fatalf("unexpected principal %+v", p)
	}

	raw, err := rdb.Get(ctx, "tf:user").Bytes()
	if err != nil {
		t.Fatalf("read migrated blob: %v", err)
	}
	if len(raw) == 0 || raw[0] != FormatVersionCurrent {
		t.Fatalf("expected record rewritten with version %d, got %v", FormatVersionCurrent, raw)
	}
}

func TestStoreRedisUnavailable(t *testing.T) {
	store, _, mr, done := newRedisStoreTest(t)
	defer done()
	mr.Close()

	_, err := store.Token(context.Background())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestFileBackendPermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	fb, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	store := NewStore(fb, "tf")
	if err := store.SaveToken(context.Background(), "a.b.c"); err != nil {
		t.Fatalf("save token: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "tf_token"))
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the token file, found %d entries", len(entries))
	}
}

func TestSaveRejectsEmptyValues(t *testing.T) {
	store := NewStore(NewMemoryBackend(), "")
	if err := store.SaveToken(context.Background(), "  "); err == nil {
		t.Fatal("expected empty token to be rejected")
	}
	if err := store.SaveConversationID(context.Background(), ""); err == nil {
		t.Fatal("expected empty conversation id to be rejected")
	}
}
