package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "telemetry_"

var (
	registerOnce sync.Once

	ingestRejections *prometheus.CounterVec
	ingestProcessed  *prometheus.CounterVec
	ingestLatency    prometheus.Histogram
	deadLetters      *prometheus.CounterVec
	storageRetries   prometheus.Counter

	ruleErrors       *prometheus.CounterVec
	ruleSuppressions prometheus.Counter
	alarmEvents      *prometheus.CounterVec

	fanoutDropped   *prometheus.CounterVec
	subscribers     prometheus.Gauge
	notifyHandoffs  *prometheus.CounterVec
	devicesByStatus *prometheus.GaugeVec

	hostCPU    prometheus.Gauge
	hostMemory prometheus.Gauge
)

// Init registers the pipeline metrics with the default registry. It is safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		ingestRejections = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_rejections_total",
				Help: "Inbound messages dropped by the validator, by reason",
			},
			[]string{"reason"},
		)
		ingestProcessed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_processed_total",
				Help: "Inbound messages processed end to end, by result",
			},
			[]string{"result"},
		)
		ingestLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "End to end processing latency of one message",
				Buckets: prometheus.DefBuckets,
			},
		)
		deadLetters = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dead_letters_total",
				Help: "Messages moved to the dead-letter stream, by stage",
			},
			[]string{"stage"},
		)
		storageRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "storage_retries_total",
				Help: "Storage writes retried after a transient failure",
			},
		)
		ruleErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_errors_total",
				Help: "Rules skipped because their definition could not be evaluated",
			},
			[]string{"tenant_id"},
		)
		ruleSuppressions = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_cooldown_suppressions_total",
				Help: "Rule fires suppressed by cooldown",
			},
		)
		alarmEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_events_total",
				Help: "Alarm lifecycle events",
			},
			[]string{"event"},
		)
		fanoutDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fanout_dropped_total",
				Help: "Events dropped from a full subscriber queue, by kind",
			},
			[]string{"kind"},
		)
		subscribers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "fanout_subscribers",
				Help: "Connected live subscribers",
			},
		)
		notifyHandoffs = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notification_handoffs_total",
				Help: "Notifications handed to delivery, by channel and result",
			},
			[]string{"channel", "result"},
		)
		devicesByStatus = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "devices",
				Help: "Known devices by liveness status",
			},
			[]string{"status"},
		)
		hostCPU = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "host_cpu_percent",
				Help: "Host CPU usage sampled by the pipeline",
			},
		)
		hostMemory = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "host_memory_percent",
				Help: "Host memory usage sampled by the pipeline",
			},
		)

		prometheus.MustRegister(
			ingestRejections,
			ingestProcessed,
			ingestLatency,
			deadLetters,
			storageRetries,
			ruleErrors,
			ruleSuppressions,
			alarmEvents,
			fanoutDropped,
			subscribers,
			notifyHandoffs,
			devicesByStatus,
			hostCPU,
			hostMemory,
		)
	})
}

// IncIngestRejection counts a dropped inbound message
func IncIngestRejection(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestRejections != nil {
		ingestRejections.WithLabelValues(reason).Inc()
	}
}

// ObserveIngest records the outcome and latency of one processed message
func ObserveIngest(result string, duration time.Duration) {
	if ingestProcessed != nil {
		ingestProcessed.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.Observe(duration.Seconds())
	}
}

// IncDeadLetter counts a message moved to the dead-letter stream
func IncDeadLetter(stage string) {
	if deadLetters != nil {
		deadLetters.WithLabelValues(stage).Inc()
	}
}

// IncStorageRetry counts a retried storage write
func IncStorageRetry() {
	if storageRetries != nil {
		storageRetries.Inc()
	}
}

// IncRuleError counts a rule skipped for a reading
func IncRuleError(tenantID string) {
	if ruleErrors != nil {
		ruleErrors.WithLabelValues(tenantID).Inc()
	}
}

// IncRuleSuppressed counts a fire suppressed by cooldown
func IncRuleSuppressed() {
	if ruleSuppressions != nil {
		ruleSuppressions.Inc()
	}
}

// IncAlarmEvent counts an alarm lifecycle event
func IncAlarmEvent(event string) {
	if alarmEvents != nil {
		alarmEvents.WithLabelValues(event).Inc()
	}
}

// IncFanoutDropped counts an event evicted from a subscriber queue
func IncFanoutDropped(kind string) {
	if fanoutDropped != nil {
		fanoutDropped.WithLabelValues(kind).Inc()
	}
}

// AddSubscribers moves the live subscriber gauge by delta
func AddSubscribers(delta float64) {
	if subscribers != nil {
		subscribers.Add(delta)
	}
}

// IncNotification counts a notification hand-off
func IncNotification(channel, result string) {
	if notifyHandoffs != nil {
		notifyHandoffs.WithLabelValues(channel, result).Inc()
	}
}

// SetDevices sets the device gauge for one status
func SetDevices(status string, count int) {
	if devicesByStatus != nil {
		devicesByStatus.WithLabelValues(status).Set(float64(count))
	}
}

// setHostUsage records sampled host usage
func setHostUsage(cpuPercent, memPercent float64) {
	if hostCPU != nil {
		hostCPU.Set(cpuPercent)
	}
	if hostMemory != nil {
		hostMemory.Set(memPercent)
	}
}
