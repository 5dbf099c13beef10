package rpc

import (
	"crypto/ed25519"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultRequestTimeout        = time.Second * 3
	DefaultMaxConnections        = 64
	DefaultMaxConcurrentHandlers = 128
	DefaultInboundRate           = rate.Limit(1000)
	DefaultInboundBurst          = 200
	DefaultNetworkVersion        = 1
)

type Options struct {
	// RequestTimeout is the deadline for a response to a request. If the
	// context passed with the request has an earlier deadline that is used
	// instead. If not set defaults to 3 seconds.
	RequestTimeout time.Duration

	// MaxConnections is the number of outbound exchanges that may be in
	// flight at once. A request waits for a free slot before it is sent.
	// If not set defaults to 64.
	MaxConnections int64

	// MaxConcurrentHandlers limits the number of inbound requests being
	// handled at once. Once reached the dispatcher stops reading packets
	// until a handler completes. If not set defaults to 128.
	MaxConcurrentHandlers int64

	// InboundRate and InboundBurst configure a token bucket limiting inbound
	// requests. Requests over the limit are answered with DENIED, or dropped
	// if fire-and-forget.
	InboundRate  rate.Limit
	InboundBurst int

	// NetworkVersion identifies the network. Messages with another version
	// are dropped.
	NetworkVersion uint32

	// Signer signs outbound messages. If nil messages are sent unsigned,
	// which means the receiver cannot attribute them to a public key.
	Signer ed25519.PrivateKey

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

func WithSigner(signer ed25519.PrivateKey) Option {
	return func(opts *Options) {
		opts.Signer = signer
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func defaultOptions() *Options {
	return &Options{
		RequestTimeout:        DefaultRequestTimeout,
		MaxConnections:        DefaultMaxConnections,
		MaxConcurrentHandlers: DefaultMaxConcurrentHandlers,
		InboundRate:           DefaultInboundRate,
		InboundBurst:          DefaultInboundBurst,
		NetworkVersion:        DefaultNetworkVersion,
		Logger:                zap.NewNop(),
	}
}
