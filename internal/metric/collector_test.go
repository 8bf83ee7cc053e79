package metric

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framebroker/internal/broker"
	"framebroker/internal/registry"
	"framebroker/internal/ring"
)

type fakeSource struct {
	stats broker.Stats
	err   error
}

func (f *fakeSource) Stats() (broker.Stats, error) { return f.stats, f.err }

func u64(v uint64) *uint64 { return &v }

func testStats() broker.Stats {
	return broker.Stats{
		Topic:       "cam",
		Head:        10,
		LatestFrame: u64(9),
		Producer:    broker.ProducerStats{Alive: true, Generation: 2},
		Counters: broker.Counters{
			Published:       10,
			DroppedOverlap:  3,
			DroppedOversize: 1,
		},
		Consumers: []registry.Entry{
			{ID: 0, State: "active", LastSeen: u64(6), Opened: 4, Skipped: 2, Missed: 1},
			{ID: 1, State: "kicked"},
		},
		Slots: []ring.SlotState{{Readers: 1}, {Readers: 2}},
	}
}

func TestBrokerCollector(t *testing.T) {
	c := NewBrokerCollector(&fakeSource{stats: testStats()})

	expected := `
# HELP framebroker_frames_dropped_total Frames dropped or overwritten by reason (overlap, oversize)
# TYPE framebroker_frames_dropped_total counter
framebroker_frames_dropped_total{reason="overlap",topic="cam"} 3
framebroker_frames_dropped_total{reason="oversize",topic="cam"} 1
# HELP framebroker_consumer_lag_frames Frames between the latest published frame and the consumer cursor
# TYPE framebroker_consumer_lag_frames gauge
framebroker_consumer_lag_frames{consumer="0",topic="cam"} 3
framebroker_consumer_lag_frames{consumer="1",topic="cam"} 0
# HELP framebroker_slot_readers Open reader references across all slots
# TYPE framebroker_slot_readers gauge
framebroker_slot_readers{topic="cam"} 3
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"framebroker_frames_dropped_total", "framebroker_consumer_lag_frames", "framebroker_slot_readers")
	require.NoError(t, err)

	// 8 topic series, 5 per consumer, and the scrape error counter.
	assert.Equal(t, 8+2*5+1, testutil.CollectAndCount(c))
}

func TestBrokerCollector_SourceError(t *testing.T) {
	c := NewBrokerCollector(&fakeSource{err: errors.New("detached")})

	assert.Equal(t, 1, testutil.CollectAndCount(c))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scrapeErrors))
}

func TestRegistryHandler(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterBroker(&fakeSource{stats: testStats()}))
	reg.Metrics.FramesEncoded.Add(5)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "framebroker_viewer_frames_encoded_total 5")
	assert.Contains(t, body, `framebroker_frames_published_total{topic="cam"} 10`)
	assert.Contains(t, body, "go_goroutines")
}
