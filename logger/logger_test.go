package logger_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/logger"
)

func TestSetup_JSONFileWithComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.log")
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	closer, err := logger.Setup(logger.Config{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	l := logger.WithComponent("lifecycle")
	l.Debug().Str("invoice_id", "inv1").Msg("transition")
	require.NoError(t, closer.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var line map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
	assert.Equal(t, "lifecycle", line["component"])
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "inv1", line["invoice_id"])
}

func TestSetup_RejectsUnknownLevel(t *testing.T) {
	_, err := logger.Setup(logger.Config{Level: "loud", Output: "stdout"})
	assert.Error(t, err)
}
