package sip

import (
	"encoding/json"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits via unreliable transport.
	TimeD = 32 * time.Second
	// Time100 is the timeout for automatic 100 Trying response on INVITE.
	Time100 = 200 * time.Millisecond
)

// TimingConfig represents SIP timing config.
// Zero value uses default base values [T1], [T2], [T4], [TimeD], [Time100].
// All other timer values are derived from them.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time100 time.Duration
}

var defTimingCfg TimingConfig

// NewTimings creates a new SIP timing config with specified base values.
// Zero or negative values fall back to the defaults.
func NewTimings(t1, t2, t4, timeD, time100 time.Duration) TimingConfig {
	return TimingConfig{max(t1, 0), max(t2, 0), max(t4, 0), max(timeD, 0), max(time100, 0)}
}

// T1 is the message RTT estimate.
func (c TimingConfig) T1() time.Duration { return or(c.t1, T1) }

// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
func (c TimingConfig) T2() time.Duration { return or(c.t2, T2) }

// T4 is the maximum duration a message will remain in the network.
func (c TimingConfig) T4() time.Duration { return or(c.t4, T4) }

// Time100 is the timeout for automatic 100 Trying response on INVITE.
func (c TimingConfig) Time100() time.Duration { return or(c.time100, Time100) }

// TimeA is the initial INVITE retransmit interval for unreliable transport.
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB is the INVITE transaction timeout.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeD is the wait time for response retransmits in the Completed state of an INVITE
// client transaction over unreliable transport.
func (c TimingConfig) TimeD() time.Duration { return or(c.timeD, TimeD) }

// TimeE is the initial non-INVITE retransmit interval for unreliable transport.
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF is the non-INVITE transaction timeout.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG is the initial INVITE response retransmit interval.
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH is the wait time for ACK receipt.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI is the wait time for ACK retransmits.
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ is the wait time for non-INVITE request retransmits.
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK is the wait time for response retransmits in a non-INVITE client transaction.
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// TimeL is the wait time for INVITE retransmits after a 2xx was sent (RFC 6026).
func (c TimingConfig) TimeL() time.Duration { return 64 * c.T1() }

// TimeM is the wait time for 2xx retransmits in the Accepted state of an INVITE
// client transaction (RFC 6026).
func (c TimingConfig) TimeM() time.Duration { return 64 * c.T1() }

// IsZero reports whether all base values are defaults.
func (c TimingConfig) IsZero() bool { return c == defTimingCfg }

// LogValue implements [slog.LogValuer].
func (c TimingConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Duration("t1", c.T1()),
		slog.Duration("t2", c.T2()),
		slog.Duration("t4", c.T4()),
		slog.Duration("time_d", c.TimeD()),
		slog.Duration("time_100", c.Time100()),
	)
}

type timingConfData struct {
	T1      string `json:"t1,omitempty"`
	T2      string `json:"t2,omitempty"`
	T4      string `json:"t4,omitempty"`
	TimeD   string `json:"time_d,omitempty"`
	Time100 string `json:"time_100,omitempty"`
}

// MarshalJSON implements [json.Marshaler].
// Durations are encoded in [time.Duration.String] form, defaults are omitted.
func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(timingConfData{
		T1:      durStr(c.t1),
		T2:      durStr(c.t2),
		T4:      durStr(c.t4),
		TimeD:   durStr(c.timeD),
		Time100: durStr(c.time100),
	}))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var d timingConfData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}

	var (
		vals [5]time.Duration
		err  error
	)
	for i, s := range []string{d.T1, d.T2, d.T4, d.TimeD, d.Time100} {
		if s == "" {
			continue
		}
		if vals[i], err = time.ParseDuration(s); err != nil {
			return errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}
	*c = NewTimings(vals[0], vals[1], vals[2], vals[3], vals[4])
	return nil
}

func or(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func durStr(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}
