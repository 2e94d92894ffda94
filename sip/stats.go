package sip

import (
	"cmp"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type StatsReport struct {
	Time         time.Time        `json:"time"`
	Transports   []TransportStats `json:"transports"`
	Transactions TransactionStats `json:"transactions"`
	Messages     MessageStats     `json:"messages"`
}

type TransportStats struct {
	// Proto is a transport protocol.
	Proto string `json:"proto"`
	// LocalAddr is a local address.
	LocalAddr string `json:"local_addr"`
	// RequestsReceived is a number of received requests.
	RequestsReceived uint64 `json:"requests_received"`
	// RequestsSent is a number of sent requests, retransmissions included.
	RequestsSent uint64 `json:"requests_sent"`
	// ResponsesReceived is a number of received responses.
	ResponsesReceived uint64 `json:"responses_received"`
	// ResponsesSent is a number of sent responses, retransmissions included.
	ResponsesSent uint64 `json:"responses_sent"`
}

type TransactionStats struct {
	// InviteClientTransactions is a number of active invite client transactions.
	InviteClientTransactions uint64 `json:"invite_client_transactions"`
	// NonInviteClientTransactions is a number of active non-invite client transactions.
	NonInviteClientTransactions uint64 `json:"non_invite_client_transactions"`
	// InviteServerTransactions is a number of active invite server transactions.
	InviteServerTransactions uint64 `json:"invite_server_transactions"`
	// NonInviteServerTransactions is a number of active non-invite server transactions.
	NonInviteServerTransactions uint64 `json:"non_invite_server_transactions"`
	// InviteClientTransactionsTotal is a total number of created invite client transactions.
	InviteClientTransactionsTotal uint64 `json:"invite_client_transactions_total"`
	// NonInviteClientTransactionsTotal is a total number of created non-invite client transactions.
	NonInviteClientTransactionsTotal uint64 `json:"non_invite_client_transactions_total"`
	// InviteServerTransactionsTotal is a total number of created invite server transactions.
	InviteServerTransactionsTotal uint64 `json:"invite_server_transactions_total"`
	// NonInviteServerTransactionsTotal is a total number of created non-invite server transactions.
	NonInviteServerTransactionsTotal uint64 `json:"non_invite_server_transactions_total"`
	// TimedOut is a number of transactions terminated by timer B, F or H.
	TimedOut uint64 `json:"timed_out"`
	// Failed is a number of transactions terminated by a transport error or abandonment.
	Failed uint64 `json:"failed"`
	// Retransmissions is a number of messages re-sent by transactions.
	Retransmissions uint64 `json:"retransmissions"`
}

type MessageStats struct {
	// Dispatched is a number of received messages delivered to a transaction.
	Dispatched uint64 `json:"dispatched"`
	// UnmatchedRequests is a number of received requests matching no transaction.
	UnmatchedRequests uint64 `json:"unmatched_requests"`
	// UnmatchedResponses is a number of received responses matching no transaction.
	UnmatchedResponses uint64 `json:"unmatched_responses"`
	// Malformed is a number of received messages a transaction key could not be derived from.
	Malformed uint64 `json:"malformed"`
}

// StatsRecorder records transaction layer statistics.
// The zero value is ready to use; a nil recorder records nothing.
type StatsRecorder struct {
	transpsStats
	transactStats
	msgStats
}

// NewStatsRecorder creates an empty recorder.
func NewStatsRecorder() *StatsRecorder { return new(StatsRecorder) }

type transpsStats struct {
	stats sync.Map // map[transpKey]*transpStats
}

type transpKey struct {
	proto string
	laddr netip.AddrPort
}

type transpStats struct {
	inReqs,
	inRess,
	outRess,
	outReqs atomic.Uint64
}

type transactStats struct {
	invClnTxs,
	invSrvTxs,
	ninvClnTxs,
	ninvSrvTxs atomic.Int64

	invClnTxsTotal,
	invSrvTxsTotal,
	ninvClnTxsTotal,
	ninvSrvTxsTotal,
	timedOut,
	failed,
	retrans atomic.Uint64
}

type msgStats struct {
	dispatched,
	unmatchedReqs,
	unmatchedRess,
	malformed atomic.Uint64
}

// Report returns statistics report.
// Call this function periodically to get updated values.
func (rcdr *StatsRecorder) Report() StatsReport {
	report := StatsReport{
		Time: time.Now(),
	}
	if rcdr == nil {
		return report
	}

	rcdr.stats.Range(func(key, value any) bool {
		stats, ok := value.(*transpStats)
		if !ok {
			return true
		}
		tpKey, ok := key.(transpKey)
		if !ok {
			return true
		}

		report.Transports = append(report.Transports, TransportStats{
			Proto:             tpKey.proto,
			LocalAddr:         tpKey.laddr.String(),
			RequestsReceived:  stats.inReqs.Load(),
			RequestsSent:      stats.outReqs.Load(),
			ResponsesReceived: stats.inRess.Load(),
			ResponsesSent:     stats.outRess.Load(),
		})
		return true
	})
	slices.SortFunc(report.Transports, func(a, b TransportStats) int {
		if c := cmp.Compare(a.Proto, b.Proto); c != 0 {
			return c
		}
		return cmp.Compare(a.LocalAddr, b.LocalAddr)
	})

	report.Transactions = TransactionStats{
		InviteClientTransactions:         clampToUint64(rcdr.invClnTxs.Load()),
		NonInviteClientTransactions:      clampToUint64(rcdr.ninvClnTxs.Load()),
		InviteServerTransactions:         clampToUint64(rcdr.invSrvTxs.Load()),
		NonInviteServerTransactions:      clampToUint64(rcdr.ninvSrvTxs.Load()),
		InviteClientTransactionsTotal:    rcdr.invClnTxsTotal.Load(),
		NonInviteClientTransactionsTotal: rcdr.ninvClnTxsTotal.Load(),
		InviteServerTransactionsTotal:    rcdr.invSrvTxsTotal.Load(),
		NonInviteServerTransactionsTotal: rcdr.ninvSrvTxsTotal.Load(),
		TimedOut:                         rcdr.timedOut.Load(),
		Failed:                           rcdr.failed.Load(),
		Retransmissions:                  rcdr.retrans.Load(),
	}

	report.Messages = MessageStats{
		Dispatched:         rcdr.dispatched.Load(),
		UnmatchedRequests:  rcdr.unmatchedReqs.Load(),
		UnmatchedResponses: rcdr.unmatchedRess.Load(),
		Malformed:          rcdr.malformed.Load(),
	}

	return report
}

func (rcdr *StatsRecorder) getTranspStats(tp Transport) *transpStats {
	key := transpKey{tp.Proto(), tp.LocalAddr()}
	stats, _ := rcdr.stats.LoadOrStore(key, &transpStats{})
	return stats.(*transpStats) //nolint:forcetypeassert
}

func clampToUint64(value int64) uint64 {
	if value <= 0 {
		return 0
	}
	return uint64(value)
}

// RecordReceived counts a message received on the transport.
func (rcdr *StatsRecorder) RecordReceived(msg InboundMessage) {
	if rcdr == nil || msg == nil || msg.Transport() == nil {
		return
	}
	stats := rcdr.getTranspStats(msg.Transport())
	switch msg.(type) {
	case *InboundRequest:
		stats.inReqs.Add(1)
	case *InboundResponse:
		stats.inRess.Add(1)
	}
}

func (rcdr *StatsRecorder) msgSent(tp Transport, req bool) {
	if rcdr == nil || tp == nil {
		return
	}
	stats := rcdr.getTranspStats(tp)
	if req {
		stats.outReqs.Add(1)
	} else {
		stats.outRess.Add(1)
	}
}

func (rcdr *StatsRecorder) msgDispatched() {
	if rcdr != nil {
		rcdr.dispatched.Add(1)
	}
}

func (rcdr *StatsRecorder) msgUnmatched(req bool) {
	if rcdr == nil {
		return
	}
	if req {
		rcdr.unmatchedReqs.Add(1)
	} else {
		rcdr.unmatchedRess.Add(1)
	}
}

func (rcdr *StatsRecorder) msgMalformed() {
	if rcdr != nil {
		rcdr.malformed.Add(1)
	}
}

func (rcdr *StatsRecorder) active(typ TransactionType) (*atomic.Int64, *atomic.Uint64) {
	switch typ {
	case TransactionTypeClientInvite:
		return &rcdr.invClnTxs, &rcdr.invClnTxsTotal
	case TransactionTypeClientNonInvite:
		return &rcdr.ninvClnTxs, &rcdr.ninvClnTxsTotal
	case TransactionTypeServerInvite:
		return &rcdr.invSrvTxs, &rcdr.invSrvTxsTotal
	default:
		return &rcdr.ninvSrvTxs, &rcdr.ninvSrvTxsTotal
	}
}

func (rcdr *StatsRecorder) txCreated(typ TransactionType) {
	if rcdr == nil {
		return
	}
	cur, total := rcdr.active(typ)
	cur.Add(1)
	total.Add(1)
}

func (rcdr *StatsRecorder) txTerminated(typ TransactionType, err error) {
	if rcdr == nil {
		return
	}
	cur, _ := rcdr.active(typ)
	cur.Add(-1)
	if err != nil && !isTimeout(err) {
		rcdr.failed.Add(1)
	}
}

func (rcdr *StatsRecorder) txTimedOut(TransactionType) {
	if rcdr != nil {
		rcdr.timedOut.Add(1)
	}
}

func (rcdr *StatsRecorder) txRetransmitted(TransactionType) {
	if rcdr != nil {
		rcdr.retrans.Add(1)
	}
}
