package kadstore

import (
	"crypto/ed25519"
	"time"

	"github.com/andydunstall/kadstore/internal/bloom"
	"github.com/andydunstall/kadstore/internal/peer"
	"github.com/andydunstall/kadstore/internal/rpc"
	"github.com/andydunstall/kadstore/internal/storage"
	"github.com/andydunstall/kadstore/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultStorageCheckInterval = time.Second
	DefaultBootstrapTimeout     = time.Second * 10
)

type Options struct {
	// RequestTimeout is the deadline for a response to a request.
	// If not set defaults to 3 seconds.
	RequestTimeout time.Duration

	// MaxConnections is the number of outbound requests that may be in
	// flight at once. If not set defaults to 64.
	MaxConnections int64

	// MaxConcurrentHandlers is the number of inbound requests handled at
	// once. If not set defaults to 128.
	MaxConcurrentHandlers int64

	// InboundRate and InboundBurst limit the rate of inbound requests.
	// Requests over the limit are denied.
	InboundRate  rate.Limit
	InboundBurst int

	// NetworkVersion identifies the network. Peers with a different version
	// ignore each other.
	NetworkVersion uint32

	// StorageCheckInterval is the time between sweeps removing expired
	// entries. If not set defaults to 1 second.
	StorageCheckInterval time.Duration

	// MaxVersions is the number of versions kept per entry. If zero all
	// versions are kept.
	MaxVersions int

	// MaxEntries is the capacity of the local store. If zero the store is
	// unbounded.
	MaxEntries int

	// MaxFailures is the number of consecutive failed exchanges before a
	// peer is removed from the routing table.
	MaxFailures int

	Protection storage.Protection

	// BloomFactory sizes the bloom filters sent in digest responses.
	BloomFactory bloom.Factory

	// PrivateKey signs every message this peer sends, and owns the domains
	// and entries it protects. If nil a key is generated.
	PrivateKey ed25519.PrivateKey

	// DirectReply answers direct messages. If nil direct messages are
	// answered with NOT_FOUND.
	DirectReply rpc.DirectReply

	// OnBroadcast is invoked for each broadcast received.
	OnBroadcast func(messageKey ID, dataMap DataMap, hopCount int)

	// OnJoin is invoked when a peer is added to the routing table.
	OnJoin func(addr Address)

	// OnLeave is invoked when a peer is removed from the routing table.
	OnLeave func(addr Address)

	// Transport used to communicate with other peers. If nil the peer
	// listens on UDP at the configured address.
	Transport transport.Transport

	// BootstrapTimeout bounds how long Bootstrap retries unreachable seeds.
	// If not set defaults to 10 seconds.
	BootstrapTimeout time.Duration

	Logger *zap.Logger
}

type Option func(*Options)

func WithRequestTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.RequestTimeout = timeout
	}
}

func WithMaxConnections(n int64) Option {
	return func(opts *Options) {
		opts.MaxConnections = n
	}
}

func WithMaxConcurrentHandlers(n int64) Option {
	return func(opts *Options) {
		opts.MaxConcurrentHandlers = n
	}
}

func WithInboundRate(limit rate.Limit, burst int) Option {
	return func(opts *Options) {
		opts.InboundRate = limit
		opts.InboundBurst = burst
	}
}

func WithNetworkVersion(version uint32) Option {
	return func(opts *Options) {
		opts.NetworkVersion = version
	}
}

func WithStorageCheckInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.StorageCheckInterval = interval
	}
}

func WithMaxVersions(n int) Option {
	return func(opts *Options) {
		opts.MaxVersions = n
	}
}

func WithMaxEntries(n int) Option {
	return func(opts *Options) {
		opts.MaxEntries = n
	}
}

func WithMaxFailures(n int) Option {
	return func(opts *Options) {
		opts.MaxFailures = n
	}
}

func WithProtection(protection storage.Protection) Option {
	return func(opts *Options) {
		opts.Protection = protection
	}
}

func WithBloomFactory(factory bloom.Factory) Option {
	return func(opts *Options) {
		opts.BloomFactory = factory
	}
}

func WithPrivateKey(key ed25519.PrivateKey) Option {
	return func(opts *Options) {
		opts.PrivateKey = key
	}
}

func WithDirectReply(reply rpc.DirectReply) Option {
	return func(opts *Options) {
		opts.DirectReply = reply
	}
}

func WithOnBroadcast(cb func(messageKey ID, dataMap DataMap, hopCount int)) Option {
	return func(opts *Options) {
		opts.OnBroadcast = cb
	}
}

func WithOnJoin(cb func(addr Address)) Option {
	return func(opts *Options) {
		opts.OnJoin = cb
	}
}

func WithOnLeave(cb func(addr Address)) Option {
	return func(opts *Options) {
		opts.OnLeave = cb
	}
}

func WithTransport(t transport.Transport) Option {
	return func(opts *Options) {
		opts.Transport = t
	}
}

func WithBootstrapTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.BootstrapTimeout = timeout
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func defaultOptions() *Options {
	l, _ := zap.NewDevelopment()
	return &Options{
		RequestTimeout:        rpc.DefaultRequestTimeout,
		MaxConnections:        rpc.DefaultMaxConnections,
		MaxConcurrentHandlers: rpc.DefaultMaxConcurrentHandlers,
		InboundRate:           rpc.DefaultInboundRate,
		InboundBurst:          rpc.DefaultInboundBurst,
		NetworkVersion:        rpc.DefaultNetworkVersion,
		StorageCheckInterval:  DefaultStorageCheckInterval,
		MaxFailures:           peer.DefaultMaxFailures,
		Protection:            storage.DefaultProtection(),
		BloomFactory:          bloom.DefaultFactory(),
		BootstrapTimeout:      DefaultBootstrapTimeout,
		Logger:                l,
	}
}
