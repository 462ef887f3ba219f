package historycache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigYAMLOverridesDefaults(t *testing.T) {
	raw := []byte(`
qos:
  max_samples: 100
  max_samples_per_instance: 10
transfer_workers: 8
transfer_queue_depth: 500
`)
	cfg, err := LoadConfigYAML(raw)
	require.NoError(t, err)
	require.Equal(t, 100, cfg.QoS.MaxSamples)
	require.Equal(t, 10, cfg.QoS.MaxSamplesPerKey)
	require.Equal(t, 8, cfg.TransferWorkers)
	require.Equal(t, 500, cfg.TransferQueueDepth)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigYAMLRejectsMalformedInput(t *testing.T) {
	_, err := LoadConfigYAML([]byte(`qos: [this, is, a, list, not, a, map]`))
	require.Error(t, err)
}

func TestConfigValidateRejectsInconsistentQoS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QoS.MaxSamples = 5
	cfg.QoS.MaxSamplesPerKey = 10
	require.Error(t, cfg.Validate())

	cfg.QoS.MaxSamplesPerKey = 5
	require.NoError(t, cfg.Validate())

	cfg.TransferWorkers = -1
	require.Error(t, cfg.Validate())
}
