package types

import "time"

// ErrorKind classifies the outcome of a single request attempt.
type ErrorKind string

const (
	ErrorNone     ErrorKind = "none"
	ErrorConnect  ErrorKind = "connect_failure"
	ErrorTimeout  ErrorKind = "timeout"
	ErrorProtocol ErrorKind = "protocol_error"
	ErrorNon2xx   ErrorKind = "non_2xx"
)

// Kinds lists every error kind in reporting order.
func Kinds() []ErrorKind {
	return []ErrorKind{ErrorNone, ErrorConnect, ErrorTimeout, ErrorProtocol, ErrorNon2xx}
}

// TransportFailure reports whether the kind indicates the proxy itself failed.
// A non-2xx origin response means the proxy worked; only connect failures and
// timeouts count against proxy health.
func (k ErrorKind) TransportFailure() bool {
	return k == ErrorConnect || k == ErrorTimeout
}

// ReceivedResponse reports whether an origin response came back through the
// proxy, whatever the status code.
func (k ErrorKind) ReceivedResponse() bool {
	return k == ErrorNone || k == ErrorNon2xx
}

// Outcome is the classified result of one request attempt
type Outcome struct {
	Proxy      string        `json:"proxy"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Latency    time.Duration `json:"latency"`
	Kind       ErrorKind     `json:"kind"`
	Timestamp  time.Time     `json:"timestamp"`
}

// RunStats holds run-wide aggregate counters
type RunStats struct {
	RequestsSent      int64               `json:"requests_sent"`
	RequestsSucceeded int64               `json:"requests_succeeded"`
	RequestsFailed    int64               `json:"requests_failed"`
	PerKind           map[ErrorKind]int64 `json:"per_kind"`
	StartTime         time.Time           `json:"start_time"`
	Elapsed           time.Duration       `json:"elapsed"`
}

// RPS returns the effective request rate over the elapsed window.
func (s RunStats) RPS() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.RequestsSent) / s.Elapsed.Seconds()
}
