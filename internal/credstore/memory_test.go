package credstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inboxkit/syncd/internal/account"
)

func TestMemoryStore_SaveListRevoke(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	cred := account.Credential{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	keys := []account.AccountKey{
		{UserID: "u1", Email: "b@b.com"},
		{UserID: "u1", Email: "a@b.com"},
		{UserID: "u2", Email: "z@z.com"},
	}
	for _, key := range keys {
		if err := store.Save(ctx, key, cred); err != nil {
			t.Fatalf("Save(%v) error = %v", key, err)
		}
	}

	got, err := store.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List() = %d keys, want 2", len(got))
	}
	if got[0].Email != "a@b.com" || got[1].Email != "b@b.com" {
		t.Errorf("List() order = %v, want emails ascending", got)
	}

	if err := store.Revoke(ctx, keys[0]); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if err := store.Revoke(ctx, keys[0]); err != nil {
		t.Errorf("second Revoke() error = %v", err)
	}

	got, _ = store.List(ctx, "u1")
	if len(got) != 1 {
		t.Errorf("List() after revoke = %d keys, want 1", len(got))
	}
}

func TestMemoryStore_RevokeAllForUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	cred := account.Credential{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	for _, key := range []account.AccountKey{
		{UserID: "u1", Email: "a@b.com"},
		{UserID: "u1", Email: "b@b.com"},
		{UserID: "u2", Email: "z@z.com"},
	} {
		if err := store.Save(ctx, key, cred); err != nil {
			t.Fatalf("Save(%v) error = %v", key, err)
		}
	}

	// An empty email revokes every credential the user has, and only theirs.
	if err := store.Revoke(ctx, account.AccountKey{UserID: "u1"}); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if got, _ := store.List(ctx, "u1"); len(got) != 0 {
		t.Errorf("List(u1) after revoke-all = %v, want none", got)
	}
	if got, _ := store.List(ctx, "u2"); len(got) != 1 {
		t.Errorf("List(u2) after u1 revoke-all = %v, want untouched", got)
	}
}

func TestMemoryStore_GetFresh(t *testing.T) {
	ctx := context.Background()
	key := account.AccountKey{UserID: "u1", Email: "a@b.com"}

	refresher := &mockRefresher{
		refreshFunc: func(ctx context.Context, refreshToken string) (account.Credential, error) {
			return account.Credential{
				AccessToken: "tok-new",
				ExpiresAt:   time.Now().Add(time.Hour),
			}, nil
		},
	}
	store := NewMemoryStore(refresher)

	if _, err := store.GetFresh(ctx, key); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("GetFresh() on empty store error = %v, want %v", err, ErrNotAuthorized)
	}

	stale := account.Credential{
		AccessToken:  "tok-old",
		RefreshToken: "ref-old",
		ExpiresAt:    time.Now().Add(10 * time.Second),
	}
	if err := store.Save(ctx, key, stale); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.GetFresh(ctx, key)
	if err != nil {
		t.Fatalf("GetFresh() error = %v", err)
	}
	if got.AccessToken != "tok-new" {
		t.Errorf("AccessToken = %q, want tok-new", got.AccessToken)
	}
	if got.RefreshToken != "ref-old" {
		t.Errorf("RefreshToken = %q, want ref-old kept after rotation-free refresh", got.RefreshToken)
	}

	// The refreshed credential is persisted; the next call returns it
	// without another refresh.
	refresher.refreshFunc = func(ctx context.Context, refreshToken string) (account.Credential, error) {
		t.Error("Refresh must not be called again")
		return account.Credential{}, nil
	}
	again, err := store.GetFresh(ctx, key)
	if err != nil {
		t.Fatalf("second GetFresh() error = %v", err)
	}
	if again.AccessToken != "tok-new" {
		t.Errorf("AccessToken = %q, want tok-new", again.AccessToken)
	}
}
