package rudp

import "time"

// Config holds the per-endpoint tunables that the source material keeps as
// process-wide globals (window size, RTO). Keeping them on a value passed
// into the constructors means a single process can run a Stop-and-Wait
// endpoint and a Go-Back-N endpoint side by side without interference.
type Config struct {
	// WindowSize is the maximum number of un-acked DATA packets this
	// endpoint keeps in flight. 1 gives Stop-and-Wait semantics.
	WindowSize int

	// RTO is the retransmission timeout: the maximum age of the oldest
	// in-flight packet before the whole window is resent.
	RTO time.Duration

	// RetransmitTick is how often the retransmission goroutine wakes up
	// to check for expired packets. It must be <= RTO to bound the worst
	// case detection delay.
	RetransmitTick time.Duration

	// FinRetryBudget is, server-side only, the number of consecutive RTO
	// windows (not RetransmitTick wakeups) the endpoint tolerates after
	// sending FIN+ACK before it tears itself down, giving the client that
	// many RTOs to retransmit a lost FIN.
	FinRetryBudget int

	// MaxRetransmits bounds how many consecutive times the send window
	// can be resent with no acknowledgment progress before the endpoint
	// gives up on the peer and tears itself down with ErrStalled. It
	// resets to zero on every ACK that advances the window.
	MaxRetransmits int
}

const (
	// DefaultWindowSize is the Go-Back-N default window.
	DefaultWindowSize     = 4
	defaultRTO            = 2 * time.Second
	defaultTick           = 100 * time.Millisecond
	defaultFinBudget      = 3
	defaultMaxRetransmits = 16
)

// DefaultConfig returns the Go-Back-N configuration (window size 4).
func DefaultConfig() Config {
	return GoBackNConfig()
}

// GoBackNConfig returns the Go-Back-N configuration (window size 4).
func GoBackNConfig() Config {
	return Config{
		WindowSize:     DefaultWindowSize,
		RTO:            defaultRTO,
		RetransmitTick: defaultTick,
		FinRetryBudget: defaultFinBudget,
	}
}

// StopAndWaitConfig returns the degenerate Go-Back-N configuration with a
// window of 1.
func StopAndWaitConfig() Config {
	cfg := GoBackNConfig()
	cfg.WindowSize = 1
	return cfg
}

func (c Config) normalized() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.RTO <= 0 {
		c.RTO = defaultRTO
	}
	if c.RetransmitTick <= 0 {
		c.RetransmitTick = defaultTick
	}
	if c.FinRetryBudget <= 0 {
		c.FinRetryBudget = defaultFinBudget
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = defaultMaxRetransmits
	}
	return c
}
