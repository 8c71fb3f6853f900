package repo_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"reclaim/internal/db"
	"reclaim/internal/domain"
	"reclaim/internal/migrate"
	"reclaim/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestClaimRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	in := domain.Claim{
		ItemID:    "3",
		Finder:    "0xf1",
		Details:   domain.ClaimDetails{Description: "found near the bar", Location: "Cafe X", Contact: "f1@example.com"},
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: "2024-01-01T00:00:00Z",
	}
	if err := r.UpsertClaim(ctx, nil, in); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := r.GetClaim(ctx, nil, "3", "0xf1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := in
	want.Status = domain.ClaimPending
	want.Version = 1
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}

	if err := r.ResolveClaim(ctx, nil, repo.Resolution{ItemID: "3", Finder: "0xf1", Status: domain.ClaimRejected, Reason: "wrong colour", At: "2024-01-02T00:00:00Z", Version: 1}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err = r.GetClaim(ctx, nil, "3", "0xf1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ClaimRejected || got.Reason != "wrong colour" || got.RejectedAt == nil || *got.RejectedAt != "2024-01-02T00:00:00Z" || got.AcceptedAt != nil || got.Version != 2 {
		t.Fatalf("unexpected resolved claim %+v", got)
	}
}

func TestUpsertKeepsOneRecordPerFinder(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	c := domain.Claim{ItemID: "1", Finder: "0xf1", CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}
	if err := r.UpsertClaim(ctx, nil, c); err != nil {
		t.Fatal(err)
	}
	c.Details.Contact = "phone"
	c.UpdatedAt = "2024-01-01T01:00:00Z"
	if err := r.UpsertClaim(ctx, nil, c); err != nil {
		t.Fatal(err)
	}
	claims, err := r.ListClaims(ctx, nil, repo.ClaimFilter{ItemIDs: []string{"1"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(claims) != 1 || claims[0].Details.Contact != "phone" || claims[0].Version != 2 {
		t.Fatalf("expected single updated claim, got %+v", claims)
	}
}

func TestStaleResolveLoses(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	c := domain.Claim{ItemID: "1", Finder: "0xf1", CreatedAt: "t0", UpdatedAt: "t0"}
	if err := r.UpsertClaim(ctx, nil, c); err != nil {
		t.Fatal(err)
	}
	res := repo.Resolution{ItemID: "1", Finder: "0xf1", Status: domain.ClaimAccepted, At: "t1", Version: 1}
	if err := r.ResolveClaim(ctx, nil, res); err != nil {
		t.Fatal(err)
	}
	res.Status = domain.ClaimRejected
	if err := r.ResolveClaim(ctx, nil, res); !errors.Is(err, repo.ErrStale) {
		t.Fatalf("expected stale, got %v", err)
	}
	if err := r.UpsertClaim(ctx, nil, c); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("re-filing an accepted claim should fail, got %v", err)
	}
	if _, err := r.GetClaim(ctx, nil, "1", "0xnobody"); !errors.Is(err, domain.ErrClaimNotFound) {
		t.Fatalf("expected claim not found, got %v", err)
	}
}
