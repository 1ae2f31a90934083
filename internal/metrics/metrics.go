// Package metrics registers the Prometheus instruments shared by the
// admission gateway and the delivery worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SendRequests counts every admission attempt, accepted or not
	SendRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sms_send_requests_total",
		Help: "Total SMS send requests received by the admission gateway.",
	})

	// RejectedUnknownProvider counts admissions refused for naming an
	// unknown provider
	RejectedUnknownProvider = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_request_rejected_unknown_provider_total",
		Help: "Requests rejected because a requested provider is unknown.",
	}, []string{"client"})

	// RejectedProviderDisabled counts admissions refused because a
	// requested provider is administratively disabled
	RejectedProviderDisabled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_request_rejected_provider_disabled_total",
		Help: "Requests rejected because a requested provider is disabled.",
	}, []string{"client", "provider"})

	// RejectedNoProviderAvailable counts admissions refused because no
	// provider was usable at all
	RejectedNoProviderAvailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_request_rejected_no_provider_available_total",
		Help: "Requests rejected because no provider was available.",
	}, []string{"client"})

	// RequestDuration observes admission handler latency
	RequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sms_request_duration_seconds",
		Help:    "Admission request handling latency.",
		Buckets: prometheus.DefBuckets,
	})

	// ProviderSendAttempts counts provider invocations by outcome
	ProviderSendAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_provider_send_attempts_total",
		Help: "Provider send attempts by outcome.",
	}, []string{"provider", "outcome"})

	// DLQMessages counts messages published to the dead-letter subject
	DLQMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sms_dlq_messages_total",
		Help: "Messages routed to the dead-letter queue.",
	})

	// FinalStatus counts messages reaching a terminal or waiting status
	FinalStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_message_final_status_total",
		Help: "Messages by resulting delivery status.",
	}, []string{"status"})

	// PendingMessages tracks the current backlog of undispatched messages
	PendingMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sms_messages_pending",
		Help: "Messages currently awaiting dispatch.",
	})
)

// Handler exposes the default registry for scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
