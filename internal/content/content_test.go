package content

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"reclaim/internal/domain"
)

func TestEncodeResolve(t *testing.T) {
	fp, err := Encode("Wallet", "brown leather", "Cafe X")
	require.NoError(t, err)
	require.Equal(t, "V2FsbGV0Ojpicm93biBsZWF0aGVyOjpDYWZlIFg=", fp)

	md, err := Inline{}.Resolve(context.Background(), fp)
	require.NoError(t, err)
	require.Equal(t, domain.Metadata{Name: "Wallet", Description: "brown leather", Location: "Cafe X"}, md)
}

func TestEncodeRejectsSeparatorAndEmptyName(t *testing.T) {
	_, err := Encode("", "x", "y")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = Encode("Keys", "a::b", "y")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDescribeFallsBack(t *testing.T) {
	ctx := context.Background()
	md := Describe(ctx, Inline{}, domain.Item{ID: "7", Fingerprint: "ipfs://QmNotInline"})
	require.Equal(t, "Item #7", md.Name)
	require.Equal(t, "Description not available", md.Description)
	require.Equal(t, "Location not specified", md.Location)

	fp, err := Encode("Umbrella", "", "")
	require.NoError(t, err)
	md = Describe(ctx, Inline{}, domain.Item{ID: "8", Fingerprint: fp})
	require.Equal(t, "Umbrella", md.Name)
	require.Equal(t, "Location not specified", md.Location)
}
