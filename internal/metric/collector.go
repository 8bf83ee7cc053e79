package metric

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"framebroker/internal/broker"
)

const namespace = "framebroker"

// StatsSource is anything that can report broker statistics, normally an
// attached *broker.Broker.
type StatsSource interface {
	Stats() (broker.Stats, error)
}

// BrokerCollector exports the shared counters of a topic. It reads them on
// every scrape, so the values are those of all processes attached to the
// topic, not only this one.
type BrokerCollector struct {
	source StatsSource

	published       *prometheus.Desc
	dropped         *prometheus.Desc
	recovered       *prometheus.Desc
	head            *prometheus.Desc
	producerAlive   *prometheus.Desc
	generation      *prometheus.Desc
	slotReaders     *prometheus.Desc
	consumerLag     *prometheus.Desc
	consumerSkipped *prometheus.Desc
	consumerMissed  *prometheus.Desc
	consumerOpened  *prometheus.Desc
	consumerActive  *prometheus.Desc
	scrapeErrors    prometheus.Counter
}

// NewBrokerCollector returns a collector over source.
func NewBrokerCollector(source StatsSource) *BrokerCollector {
	topic := []string{"topic"}
	consumer := []string{"topic", "consumer"}
	return &BrokerCollector{
		source: source,
		published: prometheus.NewDesc(namespace+"_frames_published_total",
			"Frames published on the topic", topic, nil),
		dropped: prometheus.NewDesc(namespace+"_frames_dropped_total",
			"Frames dropped or overwritten by reason (overlap, oversize)", []string{"topic", "reason"}, nil),
		recovered: prometheus.NewDesc(namespace+"_recovered_slots_total",
			"Slots left mid-write by a crashed producer and recovered", topic, nil),
		head: prometheus.NewDesc(namespace+"_write_cursor",
			"Id of the next frame the producer will publish", topic, nil),
		producerAlive: prometheus.NewDesc(namespace+"_producer_alive",
			"Producer attachment status (0=detached, 1=attached)", topic, nil),
		generation: prometheus.NewDesc(namespace+"_producer_generation",
			"Number of producer attachments since the topic was created", topic, nil),
		slotReaders: prometheus.NewDesc(namespace+"_slot_readers",
			"Open reader references across all slots", topic, nil),
		consumerLag: prometheus.NewDesc(namespace+"_consumer_lag_frames",
			"Frames between the latest published frame and the consumer cursor", consumer, nil),
		consumerSkipped: prometheus.NewDesc(namespace+"_consumer_skipped_total",
			"Frames a consumer skipped because newer ones were available", consumer, nil),
		consumerMissed: prometheus.NewDesc(namespace+"_consumer_missed_total",
			"Polled frames overwritten before the consumer could open them", consumer, nil),
		consumerOpened: prometheus.NewDesc(namespace+"_consumer_opened_total",
			"Frames a consumer opened", consumer, nil),
		consumerActive: prometheus.NewDesc(namespace+"_consumer_active",
			"Consumer status (0=inactive, 1=active)", consumer, nil),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "errors_total",
			Help:      "Scrapes that could not read broker statistics",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *BrokerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.published
	ch <- c.dropped
	ch <- c.recovered
	ch <- c.head
	ch <- c.producerAlive
	ch <- c.generation
	ch <- c.slotReaders
	ch <- c.consumerLag
	ch <- c.consumerSkipped
	ch <- c.consumerMissed
	ch <- c.consumerOpened
	ch <- c.consumerActive
	c.scrapeErrors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *BrokerCollector) Collect(ch chan<- prometheus.Metric) {
	defer c.scrapeErrors.Collect(ch)

	st, err := c.source.Stats()
	if err != nil {
		c.scrapeErrors.Inc()
		return
	}
	topic := st.Topic

	ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(st.Counters.Published), topic)
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(st.Counters.DroppedOverlap), topic, "overlap")
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(st.Counters.DroppedOversize), topic, "oversize")
	ch <- prometheus.MustNewConstMetric(c.recovered, prometheus.CounterValue, float64(st.Counters.RecoveredSlots), topic)
	ch <- prometheus.MustNewConstMetric(c.head, prometheus.GaugeValue, float64(st.Head), topic)
	ch <- prometheus.MustNewConstMetric(c.producerAlive, prometheus.GaugeValue, boolValue(st.Producer.Alive), topic)
	ch <- prometheus.MustNewConstMetric(c.generation, prometheus.GaugeValue, float64(st.Producer.Generation), topic)

	readers := 0
	for _, s := range st.Slots {
		readers += s.Readers
	}
	ch <- prometheus.MustNewConstMetric(c.slotReaders, prometheus.GaugeValue, float64(readers), topic)

	for _, e := range st.Consumers {
		id := strconv.Itoa(e.ID)
		var lag float64
		if st.LatestFrame != nil && e.LastSeen != nil && *st.LatestFrame > *e.LastSeen {
			lag = float64(*st.LatestFrame - *e.LastSeen)
		}
		ch <- prometheus.MustNewConstMetric(c.consumerLag, prometheus.GaugeValue, lag, topic, id)
		ch <- prometheus.MustNewConstMetric(c.consumerSkipped, prometheus.CounterValue, float64(e.Skipped), topic, id)
		ch <- prometheus.MustNewConstMetric(c.consumerMissed, prometheus.CounterValue, float64(e.Missed), topic, id)
		ch <- prometheus.MustNewConstMetric(c.consumerOpened, prometheus.CounterValue, float64(e.Opened), topic, id)
		ch <- prometheus.MustNewConstMetric(c.consumerActive, prometheus.GaugeValue, boolValue(e.State == "active"), topic, id)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
