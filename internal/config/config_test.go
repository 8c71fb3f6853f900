package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	for _, network := range []string{"localnet", "sepolia", "polygon"} {
		raw, err := GenerateDefault(network)
		require.NoError(t, err)
		cfg, err := FromYAML([]byte(raw))
		require.NoError(t, err, network)
		require.Equal(t, network, cfg.Network.Name)
		require.Equal(t, 15*time.Second, cfg.Settlement.CallTimeout.Std())
		require.Equal(t, 12, cfg.Settlement.MaxAttempts)
	}
	_, err := GenerateDefault("mainnet-beta")
	require.Error(t, err)
	require.Equal(t, "localnet", Default("mainnet-beta").Network.Name)
}

func TestValidateRejectsBadAddresses(t *testing.T) {
	cfg := Default("localnet")
	cfg.Network.Contracts.Escrow = "0x123"
	require.ErrorContains(t, cfg.Validate(), "contracts.escrow")

	cfg = Default("localnet")
	cfg.Disputes.Arbiters = []string{"alice"}
	require.ErrorContains(t, cfg.Validate(), "arbiter")
}

func TestDurationYAML(t *testing.T) {
	_, err := FromYAML([]byte("network:\n  name: x\nsettlement:\n  call_timeout: soon\n"))
	require.ErrorContains(t, err, "invalid duration")
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Nil(t, cfg)

	_, err = Load(dir)
	require.ErrorContains(t, err, "config init")

	raw, _ := GenerateDefault("localnet")
	require.NoError(t, os.WriteFile(Path(dir), []byte(raw), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.EqualValues(t, 31337, cfg.Network.ChainID)
}

func TestIsAddress(t *testing.T) {
	require.True(t, IsAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"))
	require.False(t, IsAddress("5FbDB2315678afecb367f032d93F642f64180aa3"))
	require.False(t, IsAddress("0xZZbDB2315678afecb367f032d93F642f64180aa3"))
}
