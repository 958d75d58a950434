package constants

import "time"

// Default ring configuration
const (
	// DefaultRingDepth is the default number of descriptors in a command ring
	DefaultRingDepth = 64

	// MinRingDepth is the smallest usable ring: one slot for a command, one sentinel
	MinRingDepth = 2

	// MaxRingDepth is bounded by the width of the index registers
	MaxRingDepth = 1024

	// DefaultTimeout is the default number of consumer-index polls before a command times out
	DefaultTimeout = 1000

	// DefaultPollInterval is the delay between two consumer-index polls
	DefaultPollInterval = 2000 * time.Microsecond
)

// Environment overrides accepted by ApplyEnv
const (
	EnvTimeout      = "CBDR_TIMEOUT"
	EnvPollInterval = "CBDR_POLL_INTERVAL_US"
)

// Memory allocation constants
const (
	// RingBaseAlign is the required alignment of the descriptor ring base address
	RingBaseAlign = 128

	// PayloadAlign is the required alignment of command payload buffers
	PayloadAlign = 32

	// MaxPayloadSize is the largest payload a request length field can describe
	MaxPayloadSize = 4096

	// DefaultPoolDepth is the number of idle payload buffers kept per size class
	DefaultPoolDepth = 8
)
