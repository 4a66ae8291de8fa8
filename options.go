package udpc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/opd-ai/udpc/connection"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Default values used by NewOptions.
const (
	DefaultListenAddr     = "0.0.0.0:0"
	DefaultProtocolID     = 1357924680
	DefaultUpdateInterval = 8 * time.Millisecond
	DefaultReceiveBudget  = 256
	DefaultEventQueueSize = 1024

	// MinUpdateInterval and MaxUpdateInterval bound the threaded tick period.
	MinUpdateInterval = 4 * time.Millisecond
	MaxUpdateInterval = 333 * time.Millisecond
)

// Environment variables read by ApplyEnvironmentOverrides.
const (
	EnvListenAddr           = "UDPC_LISTEN_ADDR"
	EnvProtocolID           = "UDPC_PROTOCOL_ID"
	EnvAcceptNewConnections = "UDPC_ACCEPT_NEW_CONNECTIONS"
	EnvLogLevel             = "UDPC_LOG_LEVEL"
	EnvUpdateInterval       = "UDPC_UPDATE_INTERVAL"
)

// Options contains configuration options for creating a Context.
type Options struct {
	ListenAddr           string      `yaml:"listen_addr"`
	ProtocolID           uint32      `yaml:"protocol_id"`
	AcceptNewConnections bool        `yaml:"accept_new_connections"`
	LoggingType          LoggingType `yaml:"logging_type"`

	// UpdateInterval is the tick period of the threaded worker. It is
	// clamped to [MinUpdateInterval, MaxUpdateInterval].
	UpdateInterval       time.Duration `yaml:"update_interval"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval"`
	DisconnectGrace      time.Duration `yaml:"disconnect_grace"`

	SendQueueSize  int `yaml:"send_queue_size"`
	SendBudget     int `yaml:"send_budget"`
	ReceiveBudget  int `yaml:"receive_budget"`
	EventQueueSize int `yaml:"event_queue_size"`

	// MaxPacketsPerSecond caps DATA packets across all connections.
	// Zero means unlimited.
	MaxPacketsPerSecond float64 `yaml:"max_packets_per_second"`

	// DispatchOnUpdate makes Update call CheckEvents in polled mode.
	DispatchOnUpdate bool `yaml:"dispatch_on_update"`

	// Logger receives the Context's log output. Nil creates a new logger.
	Logger *logrus.Logger `yaml:"-"`
	// TimeProvider supplies the clock. Nil uses the system clock.
	TimeProvider TimeProvider `yaml:"-"`
	// PacketConn is used instead of binding ListenAddr when set. The Context
	// takes ownership and closes it on Destroy.
	PacketConn net.PacketConn `yaml:"-"`
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		ListenAddr:           DefaultListenAddr,
		ProtocolID:           DefaultProtocolID,
		AcceptNewConnections: false,
		LoggingType:          LoggingWarning,
		UpdateInterval:       DefaultUpdateInterval,
		ConnectionTimeout:    connection.DefaultConnectionTimeout,
		HeartbeatInterval:    connection.DefaultHeartbeatInterval,
		ConnectRetryInterval: connection.DefaultConnectRetryInterval,
		DisconnectGrace:      connection.DefaultDisconnectGrace,
		SendQueueSize:        connection.DefaultQueueSize,
		SendBudget:           connection.DefaultSendBudget,
		ReceiveBudget:        DefaultReceiveBudget,
		EventQueueSize:       DefaultEventQueueSize,
	}
}

// LoadOptions reads YAML options from path on top of the defaults, then
// applies environment overrides.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}

	opts := NewOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}
	opts.ApplyEnvironmentOverrides()

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// ApplyEnvironmentOverrides replaces fields with the UDPC_* environment
// variables that are set. Unparseable values are logged and ignored.
func (o *Options) ApplyEnvironmentOverrides() {
	if addr := os.Getenv(EnvListenAddr); addr != "" {
		o.ListenAddr = addr
	}
	o.parseProtocolIDSetting()
	o.parseAcceptSetting()
	o.parseLogLevelSetting()
	o.parseUpdateIntervalSetting()
}

func (o *Options) parseProtocolIDSetting() {
	if idStr := os.Getenv(EnvProtocolID); idStr != "" {
		id, err := strconv.ParseUint(idStr, 0, 32)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseProtocolIDSetting",
				"env_var":     EnvProtocolID,
				"value":       idStr,
				"error":       err.Error(),
				"using_value": o.ProtocolID,
			}).Warn("Failed to parse UDPC_PROTOCOL_ID environment variable, using default")
			return
		}
		o.ProtocolID = uint32(id)
	}
}

func (o *Options) parseAcceptSetting() {
	if acceptStr := os.Getenv(EnvAcceptNewConnections); acceptStr != "" {
		accept, err := strconv.ParseBool(acceptStr)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseAcceptSetting",
				"env_var":     EnvAcceptNewConnections,
				"value":       acceptStr,
				"error":       err.Error(),
				"using_value": o.AcceptNewConnections,
			}).Warn("Failed to parse UDPC_ACCEPT_NEW_CONNECTIONS environment variable, using default")
			return
		}
		o.AcceptNewConnections = accept
	}
}

func (o *Options) parseLogLevelSetting() {
	if levelStr := os.Getenv(EnvLogLevel); levelStr != "" {
		level, err := ParseLoggingType(levelStr)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseLogLevelSetting",
				"env_var":     EnvLogLevel,
				"value":       levelStr,
				"error":       err.Error(),
				"using_value": o.LoggingType.String(),
			}).Warn("Failed to parse UDPC_LOG_LEVEL environment variable, using default")
			return
		}
		o.LoggingType = level
	}
}

func (o *Options) parseUpdateIntervalSetting() {
	if intervalStr := os.Getenv(EnvUpdateInterval); intervalStr != "" {
		interval, err := time.ParseDuration(intervalStr)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseUpdateIntervalSetting",
				"env_var":     EnvUpdateInterval,
				"value":       intervalStr,
				"error":       err.Error(),
				"using_value": o.UpdateInterval,
			}).Warn("Failed to parse UDPC_UPDATE_INTERVAL environment variable, using default")
			return
		}
		o.UpdateInterval = interval
	}
}

// Validate checks that every option is usable.
func (o *Options) Validate() error {
	var errs []error
	if o.PacketConn == nil && o.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required without a PacketConn"))
	}
	if !o.LoggingType.valid() {
		errs = append(errs, fmt.Errorf("logging_type %d is invalid", uint8(o.LoggingType)))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"connection_timeout", o.ConnectionTimeout},
		{"heartbeat_interval", o.HeartbeatInterval},
		{"connect_retry_interval", o.ConnectRetryInterval},
		{"disconnect_grace", o.DisconnectGrace},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	if o.UpdateInterval < 0 {
		errs = append(errs, fmt.Errorf("update_interval must not be negative, got %s", o.UpdateInterval))
	}
	for _, n := range []struct {
		name  string
		value int
	}{
		{"send_queue_size", o.SendQueueSize},
		{"send_budget", o.SendBudget},
		{"receive_budget", o.ReceiveBudget},
		{"event_queue_size", o.EventQueueSize},
	} {
		if n.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", n.name, n.value))
		}
	}
	if o.MaxPacketsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("max_packets_per_second must not be negative, got %g", o.MaxPacketsPerSecond))
	}
	if o.HeartbeatInterval >= o.ConnectionTimeout && o.HeartbeatInterval > 0 {
		errs = append(errs, errors.New("heartbeat_interval must be shorter than connection_timeout"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid options: %w", errors.Join(errs...))
	}
	return nil
}

// clampUpdateInterval bounds d to the supported worker tick range.
func clampUpdateInterval(d time.Duration) time.Duration {
	switch {
	case d < MinUpdateInterval:
		return MinUpdateInterval
	case d > MaxUpdateInterval:
		return MaxUpdateInterval
	default:
		return d
	}
}

// timing converts the options into the per-connection Timing.
func (o *Options) timing() connection.Timing {
	return connection.Timing{
		HeartbeatInterval:    o.HeartbeatInterval,
		ConnectRetryInterval: o.ConnectRetryInterval,
		DisconnectGrace:      o.DisconnectGrace,
		SendBudget:           o.SendBudget,
	}
}
