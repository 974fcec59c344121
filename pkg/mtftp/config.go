package mtftp

import (
	"fmt"
	"time"
)

// Config carries the protocol constants both peers must agree on out of
// band. Mismatched Config between peers manifests as decode errors, not
// a negotiated handshake.
type Config struct {
	BlockSize  int           // DATA payload cap, bytes
	WindowSize int           // blocks per window, must be a multiple of 8
	AckTimeout time.Duration // sender wait for ACK
	RxTimeout  time.Duration // receiver wait for a completing window
	MaxRetries int           // consecutive timeout retries before ERR
}

// DefaultConfig returns a representative configuration suitable for tests
// and examples.
func DefaultConfig() Config {
	return Config{
		BlockSize:  32,
		WindowSize: 8,
		AckTimeout: time.Second,
		RxTimeout:  time.Second,
		MaxRetries: 5,
	}
}

// maxDatagram is the hard cap imposed by the transport's single-byte
// length field.
const maxDatagram = 255

// NewConfig validates cfg against the wire format's structural
// constraints and returns an error describing the first violation found.
func NewConfig(cfg Config) (Config, error) {
	if cfg.BlockSize <= 0 {
		return Config{}, fmt.Errorf("mtftp: block size must be positive, got %d", cfg.BlockSize)
	}
	if cfg.WindowSize <= 0 || cfg.WindowSize%8 != 0 {
		return Config{}, fmt.Errorf("mtftp: window size must be a positive multiple of 8, got %d", cfg.WindowSize)
	}
	if cfg.MaxRetries < 0 {
		return Config{}, fmt.Errorf("mtftp: max retries must be non-negative, got %d", cfg.MaxRetries)
	}

	// DATA header is 3 bytes (tag + block_no); ACK header is 3 bytes plus
	// the bitmap. Whichever packet is larger must still fit in a single
	// datagram.
	dataLen := 3 + cfg.BlockSize
	ackLen := 3 + (cfg.WindowSize+7)/8
	if dataLen > maxDatagram {
		return Config{}, fmt.Errorf("mtftp: DATA packet (%d bytes) exceeds the %d-byte datagram cap", dataLen, maxDatagram)
	}
	if ackLen > maxDatagram {
		return Config{}, fmt.Errorf("mtftp: ACK packet (%d bytes) exceeds the %d-byte datagram cap", ackLen, maxDatagram)
	}
	return cfg, nil
}
