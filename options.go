package jrpc2

import (
	"net/http"
	"time"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultMaxBodySize  = 10 * 1024 * 1024
	defaultBatchLimit   = 64
)

type options struct {
	dialTimeout  time.Duration
	writeTimeout time.Duration
	maxLineSize  int
	maxBodySize  int64
	batchLimit   int
	evaluator    Evaluator
	accessLog    AccessLog
	httpClient   *http.Client
}

// Option tunes connections, servers and HTTP endpoints. Options that do not apply are ignored.
type Option func(o *options)

func newOptions(opts []Option) options {
	o := options{
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		maxLineSize:  defaultMaxLineSize,
		maxBodySize:  defaultMaxBodySize,
		batchLimit:   defaultBatchLimit,
		httpClient:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithDialTimeout bounds a connect attempt. Non-positive means no bound.
func WithDialTimeout(t time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = t
	}
}

// WithWriteTimeout bounds each write on streams that support deadlines. Non-positive means no bound.
func WithWriteTimeout(t time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = t
	}
}

// WithMaxLineSize caps the size of one NDJSON line.
func WithMaxLineSize(n int) Option {
	return func(o *options) {
		o.maxLineSize = n
	}
}

// WithMaxBodySize caps HTTP request and response bodies.
func WithMaxBodySize(n int64) Option {
	return func(o *options) {
		o.maxBodySize = n
	}
}

// WithBatchConcurrency caps how many elements of one inbound batch are evaluated at once.
// Non-positive means no cap.
func WithBatchConcurrency(n int) Option {
	return func(o *options) {
		o.batchLimit = n
	}
}

// WithEvaluator serves calls the peer makes on a client connection.
func WithEvaluator(e Evaluator) Option {
	return func(o *options) {
		o.evaluator = e
	}
}

// WithAccessLog installs an access log observer.
func WithAccessLog(l AccessLog) Option {
	return func(o *options) {
		o.accessLog = l
	}
}

// WithHTTPClient sets the http.Client used by HTTPClient.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}
