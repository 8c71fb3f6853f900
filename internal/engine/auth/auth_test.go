package auth

import (
	"errors"
	"testing"

	"reclaim/internal/domain"
)

func TestAuthority(t *testing.T) {
	a := Authority{Dispute: "0xDD", Arbiters: []string{"0xAA"}}
	item := domain.Item{ID: "1", Owner: "0xOwner"}
	if err := a.CanSettle(item, "0xowner"); err != nil {
		t.Fatalf("owner should settle (case-insensitive): %v", err)
	}
	if err := a.CanSettle(item, "0xdd"); err != nil {
		t.Fatalf("dispute contract should settle: %v", err)
	}
	if err := a.CanReject(item, "0xDD"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("dispute contract must not reject, got %v", err)
	}
	if err := a.CanOpenDispute(item, "0xF", "0xf"); err != nil {
		t.Fatalf("finder should open dispute: %v", err)
	}
	var fe ForbiddenError
	if err := a.CanArbitrate("0xOwner"); !errors.As(err, &fe) || fe.ActorID != "0xOwner" {
		t.Fatalf("expected forbidden error, got %v", err)
	}
	if err := a.CanArbitrate("0xaa"); err != nil {
		t.Fatalf("arbiter rejected: %v", err)
	}
	if SameAddress("", "") {
		t.Fatalf("empty addresses must not match")
	}
}
