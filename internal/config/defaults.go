package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultLogLevel           = "info"
	DefaultLogEncoding        = "json"
	DefaultStreamName         = "stream"
	DefaultWSURL              = "wss://stream.binance.com:9443/ws"
	DefaultRestURL            = "https://api.binance.com"
	DefaultRenewInterval      = 30 * time.Minute
	DefaultCheckInterval      = 50 * time.Millisecond
	DefaultStaleTimeout       = 10 * time.Minute
	DefaultConnectTimeout     = 5 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultMaxConnectAttempts = 10
	DefaultQueueCapacity      = 1024
	DefaultFIXHost            = "fix-oe.binance.com"
	DefaultFIXPort            = 9000
	DefaultTargetCompID       = "SPOT"
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultLogonTimeout       = 10 * time.Second
	DefaultMaxAuthFailures    = 3
	DefaultMessageHandling    = 2
	DefaultRetryMaxAttempts   = 10
	DefaultRetryInitialDelay  = 500 * time.Millisecond
	DefaultRetryMaxDelay      = 30 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultRedisChannel       = "venuelink:orders"
	DefaultMetricsAddr        = ":9090"
	DefaultMetricsPath        = "/metrics"
)

func (c *Config) applyDefaults() {
	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = DefaultLogEncoding
	}

	// Stream defaults
	s := &c.Stream
	if s.Name == "" {
		s.Name = DefaultStreamName
	}
	if s.WSURL == "" {
		s.WSURL = DefaultWSURL
	}
	if s.RestURL == "" {
		s.RestURL = DefaultRestURL
	}
	if s.RenewInterval == 0 {
		s.RenewInterval = DefaultRenewInterval
	}
	if s.CheckInterval == 0 {
		s.CheckInterval = DefaultCheckInterval
	}
	if s.StaleTimeout == 0 {
		s.StaleTimeout = DefaultStaleTimeout
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = DefaultConnectTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.MaxConnectAttempts == 0 {
		s.MaxConnectAttempts = DefaultMaxConnectAttempts
	}
	if s.QueueCapacity == 0 {
		s.QueueCapacity = DefaultQueueCapacity
	}

	// FIX defaults
	f := &c.FIX
	if f.Host == "" {
		f.Host = DefaultFIXHost
	}
	if f.Port == 0 {
		f.Port = DefaultFIXPort
	}
	if f.TargetCompID == "" {
		f.TargetCompID = DefaultTargetCompID
	}
	if f.HeartbeatInterval == 0 {
		f.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if f.LogonTimeout == 0 {
		f.LogonTimeout = DefaultLogonTimeout
	}
	if f.MaxAuthFailures == 0 {
		f.MaxAuthFailures = DefaultMaxAuthFailures
	}
	if f.MessageHandling == 0 {
		f.MessageHandling = DefaultMessageHandling
	}

	// Retry defaults
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultRetryMaxAttempts
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = DefaultRetryInitialDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = DefaultRetryMaxDelay
	}

	// Database defaults
	if c.Database.Enabled() {
		applyDBDefaults(&c.Database)
	}

	// Writer defaults
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}

	// Redis defaults
	if c.Redis.Enabled() && c.Redis.Channel == "" {
		c.Redis.Channel = DefaultRedisChannel
	}

	// Metrics defaults
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
