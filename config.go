package mls

import (
	"io"
	"log/slog"
)

const (
	DefaultReplayWindow       = 32
	DefaultMaxForwardDistance = 1000
	DefaultEpochRetention     = 3
)

// Config tunes a group's local policy.  None of it is visible to other
// members, so members may run with different values.
type Config struct {
	// ReplayWindow is how many generations behind the newest one a receiver
	// keeps keys for out-of-order delivery.
	ReplayWindow uint32

	// MaxForwardDistance bounds how far ahead of the newest generation a
	// message may be.
	MaxForwardDistance uint32

	// EpochRetention is how many past epochs keep enough state to decrypt
	// late application messages and to detect forks.
	EpochRetention int

	// EncryptHandshake sends proposals and commits as PrivateMessage.
	EncryptHandshake bool

	// Random defaults to crypto/rand.Reader.
	Random io.Reader

	// CredentialVerifier defaults to BasicCredentialVerifier.
	CredentialVerifier CredentialVerifier

	// PSKs holds external pre-shared keys by id.
	PSKs map[string][]byte

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		ReplayWindow:       DefaultReplayWindow,
		MaxForwardDistance: DefaultMaxForwardDistance,
		EpochRetention:     DefaultEpochRetention,
	}
}

func (c Config) withDefaults() Config {
	if c.ReplayWindow == 0 {
		c.ReplayWindow = DefaultReplayWindow
	}
	if c.MaxForwardDistance == 0 {
		c.MaxForwardDistance = DefaultMaxForwardDistance
	}
	if c.EpochRetention <= 0 {
		c.EpochRetention = DefaultEpochRetention
	}
	if c.Random == nil {
		c.Random = randomOrDefault(nil)
	}
	if c.CredentialVerifier == nil {
		c.CredentialVerifier = BasicCredentialVerifier{}
	}
	if c.PSKs == nil {
		c.PSKs = map[string][]byte{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
