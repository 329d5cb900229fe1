package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Validate checks that all required fields are set and values are valid.
// Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var err error

	if !c.Stream.Enabled && !c.FIX.Enabled {
		err = multierr.Append(err, errors.New("at least one of stream.enabled or fix.enabled must be set"))
	}

	switch strings.ToLower(c.Logging.Encoding) {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.encoding must be json or console, got %q", c.Logging.Encoding))
	}

	if c.Stream.Enabled {
		err = multierr.Append(err, c.Stream.validate())
	}
	if c.FIX.Enabled {
		err = multierr.Append(err, c.FIX.validate())
	}

	if c.Retry.MaxAttempts < 0 {
		err = multierr.Append(err, errors.New("retry.max_attempts must be >= 0"))
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		err = multierr.Append(err, fmt.Errorf("retry.max_delay (%s) cannot be below retry.initial_delay (%s)", c.Retry.MaxDelay, c.Retry.InitialDelay))
	}

	if c.Database.Enabled() {
		err = multierr.Append(err, c.Database.validate("database"))
	}

	if c.Writer.BatchSize < 1 {
		err = multierr.Append(err, errors.New("writer.batch_size must be >= 1"))
	}

	return err
}

func (s *StreamConfig) validate() error {
	var err error
	if !strings.HasPrefix(s.WSURL, "ws://") && !strings.HasPrefix(s.WSURL, "wss://") {
		err = multierr.Append(err, fmt.Errorf("stream.ws_url must be a ws:// or wss:// url, got %q", s.WSURL))
	}
	if s.UserData && s.APIKey == "" {
		err = multierr.Append(err, errors.New("stream.api_key is required when stream.user_data is set"))
	}
	if !s.UserData && len(s.Topics) == 0 {
		err = multierr.Append(err, errors.New("stream.topics must not be empty without stream.user_data"))
	}
	if s.RenewInterval <= 0 {
		err = multierr.Append(err, errors.New("stream.renew_interval must be positive"))
	}
	if s.CheckInterval <= 0 {
		err = multierr.Append(err, errors.New("stream.check_interval must be positive"))
	}
	return err
}

func (f *FIXConfig) validate() error {
	var err error
	if f.APIKey == "" {
		err = multierr.Append(err, errors.New("fix.api_key is required"))
	}
	if f.PrivateKeyPath == "" {
		err = multierr.Append(err, errors.New("fix.private_key_path is required"))
	}
	if f.Port < 1 || f.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("fix.port must be between 1 and 65535, got %d", f.Port))
	}
	if f.HeartbeatInterval < time.Second {
		err = multierr.Append(err, fmt.Errorf("fix.heartbeat_interval must be at least 1s, got %s", f.HeartbeatInterval))
	}
	return err
}

func (db *DBConfig) validate(prefix string) error {
	var err error
	if db.Name == "" {
		err = multierr.Append(err, fmt.Errorf("%s.name is required", prefix))
	}
	if db.User == "" {
		err = multierr.Append(err, fmt.Errorf("%s.user is required", prefix))
	}
	if db.MaxConns < 1 {
		err = multierr.Append(err, fmt.Errorf("%s.max_conns must be >= 1", prefix))
	}
	if db.MinConns < 0 {
		err = multierr.Append(err, fmt.Errorf("%s.min_conns must be >= 0", prefix))
	}
	if db.MinConns > db.MaxConns {
		err = multierr.Append(err, fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns))
	}
	return err
}
