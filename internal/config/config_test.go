package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framebroker/internal/broker"
	"framebroker/internal/ring"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "video_stream", cfg.Topic)
	assert.Equal(t, "/dev/shm", cfg.ShmDirectory)
	assert.Equal(t, 30, cfg.SlotCount)
	assert.Equal(t, 1920*1080*3, cfg.SlotCapacity)
	assert.Equal(t, 16, cfg.MaxConsumers)
	assert.Equal(t, "overwrite", cfg.OverlapPolicy)
	assert.Equal(t, 5*time.Millisecond, cfg.OverlapTimeout)
	assert.Equal(t, 10*time.Second, cfg.StaleAfter)
	assert.Equal(t, 8080, cfg.Port)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 30*time.Second, cfg.ImageBufferFlushInterval)
	assert.Equal(t, "synthetic", cfg.CaptureSource)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("BROKER_TOPIC", "front_door")
	t.Setenv("BROKER_SLOT_COUNT", "8")
	t.Setenv("BROKER_CONSUMER_ID", "3")
	t.Setenv("BROKER_OVERLAP_POLICY", "wait")
	t.Setenv("BROKER_OVERLAP_TIMEOUT", "2ms")
	t.Setenv("PORT", "9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "front_door", cfg.Topic)
	assert.Equal(t, 8, cfg.SlotCount)
	assert.Equal(t, 3, cfg.ConsumerID)
	assert.Equal(t, 2*time.Millisecond, cfg.OverlapTimeout)
	assert.Equal(t, 9000, cfg.Port)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"policy", "BROKER_OVERLAP_POLICY", "block"},
		{"port", "PORT", "70000"},
		{"not a number", "BROKER_SLOT_COUNT", "many"},
		{"jpeg quality", "JPEG_QUALITY", "0"},
		{"snapshot every", "SNAPSHOT_EVERY", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestBrokerOptions(t *testing.T) {
	t.Setenv("BROKER_PRODUCER_ID", "4")
	t.Setenv("BROKER_CONSUMER_ID", "2")
	t.Setenv("BROKER_OVERLAP_POLICY", "wait")
	t.Setenv("BROKER_SHM_DIR", "/tmp/shm")
	cfg, err := Load()
	require.NoError(t, err)

	p := cfg.BrokerOptions(broker.RoleProducer)
	assert.Equal(t, broker.RoleProducer, p.Role)
	assert.Equal(t, 4, p.ID)
	assert.Equal(t, "/tmp/shm", p.Dir)
	assert.Equal(t, 30, p.SlotCount)
	assert.Equal(t, ring.OverlapWait, p.OverlapPolicy)

	c := cfg.BrokerOptions(broker.RoleConsumer)
	assert.Equal(t, 2, c.ID)
	assert.Zero(t, c.SlotCount, "consumers accept the producer's geometry")
	assert.Zero(t, c.SlotCapacity)
}
