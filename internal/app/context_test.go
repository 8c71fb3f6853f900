package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reclaim/internal/config"
)

func TestOpenFallsBackToLocalnet(t *testing.T) {
	ws, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Equal(t, "localnet", ws.Config.Network.Name)
	require.Equal(t, ws.Config.Network.Contracts.Dispute, ws.Engine.Ledger.CurrentAddress())
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	raw, err := config.GenerateDefault("sepolia")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(raw), 0o644))

	ws, err := Open(dir, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Equal(t, "sepolia", ws.Config.Network.Name)
	require.EqualValues(t, 11155111, ws.Config.Network.ChainID)

	h, err := ws.Handler("/v0")
	require.NoError(t, err)
	require.NotNil(t, h)
}

func TestBackgroundStopsWithContext(t *testing.T) {
	ws, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Background(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("background did not stop")
	}
}
