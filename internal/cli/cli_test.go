package cli

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/config"
	"github.com/lazypower/bondline/internal/engine"
	"github.com/lazypower/bondline/internal/events"
	"github.com/lazypower/bondline/internal/server"
	"github.com/lazypower/bondline/internal/store"
	"github.com/lazypower/bondline/internal/store/memstore"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		jsonOutput = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	if !strings.HasPrefix(out, "bondline dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestEngineConfigFromDefaults(t *testing.T) {
	cfg := config.Default()
	ecfg, err := engineConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, 10, ecfg.Capacities[bond.TierClose])
	assert.Equal(t, 1, ecfg.Capacities[bond.TierIntimate])
	assert.Equal(t, engine.DefaultDecayPolicy(), ecfg.Decay)
	assert.Zero(t, ecfg.AcceptanceWindow)
	assert.Equal(t, 200.0, ecfg.Rarity.TierOffsets[bond.TierClose])
}

func TestOpenStoreDrivers(t *testing.T) {
	st, path, err := openStore(config.DatabaseConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.IsType(t, &memstore.Store{}, st)

	dbPath := filepath.Join(t.TempDir(), "nested", "bondline.db")
	st, path, err = openStore(config.DatabaseConfig{Driver: "sqlite", Path: dbPath})
	require.NoError(t, err)
	defer st.Close()
	assert.Equal(t, dbPath, path)
	assert.IsType(t, &store.DB{}, st)

	_, _, err = openStore(config.DatabaseConfig{Driver: "postgres"})
	assert.Error(t, err)
}

func TestLocalSweepUsesConfiguredStore(t *testing.T) {
	t.Setenv("BONDLINE_DATABASE_DRIVER", "memory")
	t.Setenv("BONDLINE_LOG_LEVEL", "error")

	out, err := run(t, "sweep", "--config", "")
	require.NoError(t, err)
	assert.Contains(t, out, "scanned 0")
}

func TestRemoteCommands(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()
	eng := engine.New(memstore.New(), engine.Config{Capacities: map[bond.Tier]int{bond.TierClose: 1}}, bus, nil, zerolog.Nop())
	srv := server.New(eng, engine.NewSweeper(eng, time.Hour, 1), bus, "test", zerolog.Nop())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	out, err := run(t, "establish", "u1", "agent", "close", "--server", ts.URL,
		"--quality", "0.4", "--consistency", "0.3", "--disclosure", "0.3", "--resonance", "0.4")
	require.NoError(t, err)
	assert.Contains(t, out, "u1 -> agent [close] slot 1")
	assert.Contains(t, out, "rarity 227.60 (uncommon")

	out, err = run(t, "establish", "u2", "agent", "close", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "queued at position 1")

	out, err = run(t, "capacity", "agent", "close", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "1/1 occupied")

	out, err = run(t, "leaderboard", "--server", ts.URL, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"user_id": "u1"`)

	_, err = run(t, "bond", "missing", "--server", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}
