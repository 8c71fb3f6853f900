package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"reclaim/internal/db"
	"reclaim/internal/domain"
	"reclaim/internal/ledger"
	"reclaim/internal/migrate"
)

const (
	owner   = "0x1111111111111111111111111111111111111111"
	finderA = "0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa"
	finderB = "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB"
	dispute = "0xd15d15d15d15d15d15d15d15d15d15d15d15d15"
)

func newChain(t *testing.T) *ledger.SQLChain {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	chain := ledger.NewSQLChain(conn, dispute)
	chain.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return chain
}

func TestSubmitAndList(t *testing.T) {
	ctx := context.Background()
	c := newChain(t)
	first, rcpt, err := c.SubmitItem(ctx, owner, "fp-1")
	require.NoError(t, err)
	require.Equal(t, "1", first.ID)
	require.False(t, first.IsFound)
	require.Empty(t, first.Finder)
	require.Len(t, rcpt.TxHash, 66)
	require.Equal(t, []string{ledger.LogItemSubmitted}, rcpt.Logs)

	_, _, err = c.SubmitItem(ctx, finderA, "fp-2")
	require.NoError(t, err)
	second, _, err := c.SubmitItem(ctx, owner, "fp-3")
	require.NoError(t, err)

	mine, err := c.ListItemsByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	require.Equal(t, first.ID, mine[0].ID)
	require.Equal(t, second.ID, mine[1].ID)

	all, err := c.ListAllItems(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	_, _, err = c.SubmitItem(ctx, owner, "  ")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = c.GetItem(ctx, "99")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = c.GetItem(ctx, "abc")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVerifyFoundGuards(t *testing.T) {
	ctx := context.Background()
	c := newChain(t)
	item, _, err := c.SubmitItem(ctx, owner, "fp")
	require.NoError(t, err)

	_, err = c.VerifyFound(ctx, item.ID, finderA, finderB)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = c.VerifyFound(ctx, item.ID, owner, owner)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	rcpt, err := c.VerifyFound(ctx, item.ID, finderA, owner)
	require.NoError(t, err)
	require.Equal(t, []string{ledger.LogItemVerified}, rcpt.Logs)

	_, err = c.VerifyFound(ctx, item.ID, finderB, owner)
	require.ErrorIs(t, err, domain.ErrAlreadyVerified)
	got, err := c.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, got.IsFound)
	require.Equal(t, finderA, got.Finder)
}

func TestDisputeAddressMayVerify(t *testing.T) {
	ctx := context.Background()
	c := newChain(t)
	item, _, err := c.SubmitItem(ctx, owner, "fp")
	require.NoError(t, err)
	_, err = c.VerifyFound(ctx, item.ID, finderB, c.CurrentAddress())
	require.NoError(t, err)
}

func TestPledgeAccumulatesAndReleaseOnce(t *testing.T) {
	ctx := context.Background()
	c := newChain(t)
	item, _, err := c.SubmitItem(ctx, owner, "fp")
	require.NoError(t, err)

	_, err = c.Pledge(ctx, item.ID, decimal.Zero, owner)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = c.Pledge(ctx, "42", decimal.RequireFromString("1"), owner)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = c.Pledge(ctx, item.ID, decimal.RequireFromString("0.3"), owner)
	require.NoError(t, err)
	_, err = c.Pledge(ctx, item.ID, decimal.RequireFromString("0.2"), finderB)
	require.NoError(t, err)
	b, ok, err := c.GetBounty(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, b.Amount.Equal(decimal.RequireFromString("0.5")))
	require.Equal(t, 2, b.Pledges)

	_, err = c.Release(ctx, item.ID, finderA, owner)
	require.ErrorIs(t, err, domain.ErrNotVerified)

	_, err = c.VerifyFound(ctx, item.ID, finderA, owner)
	require.NoError(t, err)
	_, err = c.Release(ctx, item.ID, finderA, finderB)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = c.Release(ctx, item.ID, finderB, owner)
	require.ErrorIs(t, err, domain.ErrNotVerified)

	rcpt, err := c.Release(ctx, item.ID, finderA, finderA)
	require.NoError(t, err)
	require.Equal(t, []string{ledger.LogBountyReleased}, rcpt.Logs)

	_, err = c.Release(ctx, item.ID, finderA, owner)
	require.ErrorIs(t, err, domain.ErrAlreadyReleased)
	_, err = c.Pledge(ctx, item.ID, decimal.RequireFromString("1"), owner)
	require.ErrorIs(t, err, domain.ErrAlreadyReleased)

	b, _, err = c.GetBounty(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, b.Released)
	require.Equal(t, finderA, b.Recipient)
	require.True(t, b.Amount.Equal(decimal.RequireFromString("0.5")))

	logs, err := c.Logs(ctx, item.ID)
	require.NoError(t, err)
	var names []string
	for _, l := range logs {
		names = append(names, l.Name)
	}
	require.Equal(t, []string{
		ledger.LogItemSubmitted, ledger.LogBountyPledged, ledger.LogBountyPledged,
		ledger.LogItemVerified, ledger.LogBountyReleased,
	}, names)
}

func TestReleaseWithoutBounty(t *testing.T) {
	ctx := context.Background()
	c := newChain(t)
	item, _, err := c.SubmitItem(ctx, owner, "fp")
	require.NoError(t, err)
	_, err = c.VerifyFound(ctx, item.ID, finderA, owner)
	require.NoError(t, err)
	_, err = c.Release(ctx, item.ID, finderA, owner)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, ok, err := c.GetBounty(ctx, item.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancelledContextIsTransient(t *testing.T) {
	c := newChain(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.SubmitItem(ctx, owner, "fp")
	require.ErrorIs(t, err, domain.ErrTransient)
	require.True(t, domain.IsRetryable(err))
}
