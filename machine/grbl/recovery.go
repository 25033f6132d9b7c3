package grbl

import "time"

// RecoveryConfig controls the connect retry loop and automatic reconnects.
// It does not apply to read errors on an open port, which are logged and
// ignored.
type RecoveryConfig struct {
	MaxRetries     uint          `mapstructure:"max_retries" json:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" json:"retry_delay"`
	AutoReconnect  bool          `mapstructure:"auto_reconnect" json:"auto_reconnect"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" json:"reconnect_delay"`
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxRetries:     3,
		RetryDelay:     500 * time.Millisecond,
		AutoReconnect:  true,
		ReconnectDelay: 2 * time.Second,
	}
}

// attempts is the number of open attempts per connect, at least one.
func (rc RecoveryConfig) attempts() int {
	if rc.MaxRetries < 1 {
		return 1
	}
	return int(rc.MaxRetries)
}
