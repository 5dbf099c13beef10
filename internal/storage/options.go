package storage

import (
	"time"

	"go.uber.org/zap"
)

// ProtectionEnable controls whether anyone may claim a domain or entry.
type ProtectionEnable int

const (
	// ProtectionAll lets the first writer claim an unclaimed domain or entry.
	ProtectionAll ProtectionEnable = iota
	// ProtectionNone only lets the master key claim.
	ProtectionNone
)

// ProtectionMode controls whether a master key may override an existing claim.
type ProtectionMode int

const (
	ProtectionNoMaster ProtectionMode = iota
	// ProtectionMasterPublicKey lets the key whose SHA-1 equals the domain
	// (or content) key override any other claim.
	ProtectionMasterPublicKey
)

type Protection struct {
	DomainEnable ProtectionEnable
	DomainMode   ProtectionMode
	EntryEnable  ProtectionEnable
	EntryMode    ProtectionMode
}

func DefaultProtection() Protection {
	return Protection{
		DomainEnable: ProtectionAll,
		DomainMode:   ProtectionMasterPublicKey,
		EntryEnable:  ProtectionAll,
		EntryMode:    ProtectionMasterPublicKey,
	}
}

type Options struct {
	Protection Protection

	// MaxVersions is the number of versions kept per entry. If zero all
	// versions are kept.
	MaxVersions int

	// MaxEntries is the capacity of the store. Puts beyond it fail with
	// StatusFailed. If zero the store is unbounded.
	MaxEntries int

	// Clock returns the current time, used for TTLs.
	Clock func() time.Time

	Logger *zap.Logger
}

type Option func(*Options)

func WithProtection(protection Protection) Option {
	return func(opts *Options) {
		opts.Protection = protection
	}
}

func WithMaxVersions(maxVersions int) Option {
	return func(opts *Options) {
		opts.MaxVersions = maxVersions
	}
}

func WithMaxEntries(maxEntries int) Option {
	return func(opts *Options) {
		opts.MaxEntries = maxEntries
	}
}

func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func defaultOptions() *Options {
	return &Options{
		Protection:  DefaultProtection(),
		MaxVersions: 0,
		MaxEntries:  0,
		Clock:       time.Now,
		Logger:      zap.NewNop(),
	}
}
