package common

import "github.com/spf13/viper"

// ===============================================================================
// Fan-out Core Related Config

// KeepaliveConfig defines session liveness check parameters
type KeepaliveConfig struct {
	// ProbeInterval is the duration between keepalive probes in seconds
	ProbeInterval int `mapstructure:"probe_interval_sec" json:"probe_interval_sec" validate:"gte=1"`
	// InactiveTimeout is the max duration a session can be silent before it is
	// treated as disconnected, in seconds. Must be longer than the probe interval.
	InactiveTimeout int `mapstructure:"inactive_timeout_sec" json:"inactive_timeout_sec" validate:"gte=2"`
}

// SessionConfig defines per-connection session parameters
type SessionConfig struct {
	// SendQueueLen is the max number of serialized events queued toward one session
	SendQueueLen int `mapstructure:"send_queue_len" json:"send_queue_len" validate:"gte=1"`
	// MaxRequestLen is the max length in bytes of one client request frame
	MaxRequestLen int64 `mapstructure:"max_request_len" json:"max_request_len" validate:"gte=64"`
	// WriteTimeout is the max duration for one transport write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// Keepalive defines session liveness check parameters
	Keepalive KeepaliveConfig `mapstructure:"keepalive" json:"keepalive" validate:"required,dive"`
}

// AuthorizeConfig defines channel authorization parameters
type AuthorizeConfig struct {
	// RequestTimeout is the max duration for deciding one subscription request in
	// seconds. A check not completing within the window counts as a rejection.
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// PublicPatterns are channel name patterns admitted without claim inspection
	PublicPatterns []string `mapstructure:"public_patterns" json:"public_patterns"`
	// RolePatterns are private channel name patterns carrying a {roleID} parameter;
	// a subscription is admitted when the claim role matches the pattern parameter.
	RolePatterns []string `mapstructure:"role_patterns" json:"role_patterns"`
}

// IdentityConfig defines how an identity claim is read off a new connection
type IdentityConfig struct {
	// ClientIDHeader is the HTTP header carrying the caller ID
	ClientIDHeader string `mapstructure:"client_id_header" json:"client_id_header" validate:"required"`
	// RoleHeader is the HTTP header carrying the caller role flag
	RoleHeader string `mapstructure:"role_header" json:"role_header" validate:"required"`
}

// FanoutConfig defines parameters of the fan-out core
type FanoutConfig struct {
	// RegistryTaskBuffer is the task buffer depth of the channel registry event loop
	RegistryTaskBuffer int `mapstructure:"registry_task_buffer" json:"registry_task_buffer" validate:"gte=1"`
	// DispatchTaskBuffer is the task buffer depth of the event dispatch event loop
	DispatchTaskBuffer int `mapstructure:"dispatch_task_buffer" json:"dispatch_task_buffer" validate:"gte=1"`
	// Session defines per-connection session parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Authorize defines channel authorization parameters
	Authorize AuthorizeConfig `mapstructure:"authorize" json:"authorize" validate:"required,dive"`
	// Identity defines how an identity claim is read off a new connection
	Identity IdentityConfig `mapstructure:"identity" json:"identity" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Broker Server Related Config

// BrokerEndpointConfig defines broker API endpoint config
type BrokerEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the broker APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// BrokerServerConfig defines configuration for the broker API server
type BrokerServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the broker API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the broker API server
	Endpoints BrokerEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config of the broker server
type SystemConfig struct {
	// Fanout are the fan-out core config parameters
	Fanout FanoutConfig `mapstructure:"fanout" json:"fanout" validate:"required,dive"`
	// Broker are the broker API server configs
	Broker BrokerServerConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default fan-out core settings
	viper.SetDefault("fanout.registry_task_buffer", 64)
	viper.SetDefault("fanout.dispatch_task_buffer", 64)
	viper.SetDefault("fanout.session.send_queue_len", 32)
	viper.SetDefault("fanout.session.max_request_len", 4096)
	viper.SetDefault("fanout.session.write_timeout_sec", 10)
	viper.SetDefault("fanout.session.keepalive.probe_interval_sec", 20)
	viper.SetDefault("fanout.session.keepalive.inactive_timeout_sec", 45)
	viper.SetDefault("fanout.authorize.request_timeout_sec", 5)
	viper.SetDefault("fanout.authorize.public_patterns", []string{})
	viper.SetDefault(
		"fanout.authorize.role_patterns", []string{"role.{roleID}.notifications"},
	)
	viper.SetDefault("fanout.identity.client_id_header", "Fanout-Client-ID")
	viper.SetDefault("fanout.identity.role_header", "Fanout-Client-Role")

	// Default broker server settings
	viper.SetDefault("broker.endpoint_config.path_prefix", "/")
	viper.SetDefault("broker.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("broker.api_server.server_config.listen_port", 3000)
	viper.SetDefault("broker.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("broker.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("broker.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"broker.api_server.logging_config.request_id_header", "Fanout-Request-ID",
	)
	viper.SetDefault(
		"broker.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
