// Package metrics exports transaction layer statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghettovoice/siptx/sip"
)

const namespace = "siptx"

var (
	transpMsgsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "transport", "messages_total"),
		"Number of messages received and sent by transport, retransmissions included.",
		[]string{"proto", "local_addr", "direction", "kind"}, nil,
	)
	txActiveDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "transactions", "active"),
		"Number of live transactions.",
		[]string{"type"}, nil,
	)
	txCreatedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "transactions", "created_total"),
		"Number of created transactions.",
		[]string{"type"}, nil,
	)
	txTimedOutDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "transactions", "timed_out_total"),
		"Number of transactions terminated by timer B, F or H.",
		nil, nil,
	)
	txFailedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "transactions", "failed_total"),
		"Number of transactions terminated by a transport error or abandonment.",
		nil, nil,
	)
	txRetransDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "transactions", "retransmissions_total"),
		"Number of messages re-sent by transactions.",
		nil, nil,
	)
	msgDispatchedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "messages", "dispatched_total"),
		"Number of received messages delivered to a transaction.",
		nil, nil,
	)
	msgUnmatchedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "messages", "unmatched_total"),
		"Number of received messages matching no transaction.",
		[]string{"kind"}, nil,
	)
	msgMalformedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "messages", "malformed_total"),
		"Number of received messages a transaction key could not be derived from.",
		nil, nil,
	)
)

// Collector is a [prometheus.Collector] reading a [sip.StatsRecorder] report on each scrape.
type Collector struct {
	rcdr *sip.StatsRecorder
}

// NewCollector creates a collector of the recorder statistics.
func NewCollector(rcdr *sip.StatsRecorder) *Collector {
	return &Collector{rcdr: rcdr}
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		transpMsgsDesc,
		txActiveDesc,
		txCreatedDesc,
		txTimedOutDesc,
		txFailedDesc,
		txRetransDesc,
		msgDispatchedDesc,
		msgUnmatchedDesc,
		msgMalformedDesc,
	} {
		ch <- d
	}
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	report := c.rcdr.Report()

	for _, ts := range report.Transports {
		for _, v := range []struct {
			dir, kind string
			val       uint64
		}{
			{"received", "request", ts.RequestsReceived},
			{"sent", "request", ts.RequestsSent},
			{"received", "response", ts.ResponsesReceived},
			{"sent", "response", ts.ResponsesSent},
		} {
			ch <- prometheus.MustNewConstMetric(transpMsgsDesc, prometheus.CounterValue, float64(v.val),
				ts.Proto, ts.LocalAddr, v.dir, v.kind)
		}
	}

	txs := report.Transactions
	for _, v := range []struct {
		typ           string
		active, total uint64
	}{
		{"invite_client", txs.InviteClientTransactions, txs.InviteClientTransactionsTotal},
		{"non_invite_client", txs.NonInviteClientTransactions, txs.NonInviteClientTransactionsTotal},
		{"invite_server", txs.InviteServerTransactions, txs.InviteServerTransactionsTotal},
		{"non_invite_server", txs.NonInviteServerTransactions, txs.NonInviteServerTransactionsTotal},
	} {
		ch <- prometheus.MustNewConstMetric(txActiveDesc, prometheus.GaugeValue, float64(v.active), v.typ)
		ch <- prometheus.MustNewConstMetric(txCreatedDesc, prometheus.CounterValue, float64(v.total), v.typ)
	}
	ch <- prometheus.MustNewConstMetric(txTimedOutDesc, prometheus.CounterValue, float64(txs.TimedOut))
	ch <- prometheus.MustNewConstMetric(txFailedDesc, prometheus.CounterValue, float64(txs.Failed))
	ch <- prometheus.MustNewConstMetric(txRetransDesc, prometheus.CounterValue, float64(txs.Retransmissions))

	msgs := report.Messages
	ch <- prometheus.MustNewConstMetric(msgDispatchedDesc, prometheus.CounterValue, float64(msgs.Dispatched))
	ch <- prometheus.MustNewConstMetric(msgUnmatchedDesc, prometheus.CounterValue, float64(msgs.UnmatchedRequests), "request")
	ch <- prometheus.MustNewConstMetric(msgUnmatchedDesc, prometheus.CounterValue, float64(msgs.UnmatchedResponses), "response")
	ch <- prometheus.MustNewConstMetric(msgMalformedDesc, prometheus.CounterValue, float64(msgs.Malformed))
}

// Handler returns an HTTP handler exposing the recorder statistics
// together with the Go runtime and process collectors.
func Handler(rcdr *sip.StatsRecorder) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(rcdr),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
