package config

const (
	defaultStateDir      = "/var/lib/sidbridge"
	defaultLogDir        = "/var/log/sidbridge"
	defaultSocketPath    = "/tmp/usbsid-bridge.sock"
	defaultVendorID      = "cafe"
	defaultProductID     = "4011"
	defaultInterface     = 1
	defaultEndpointOut   = 0x02
	defaultIOTimeout     = 250
	defaultQueueDepth    = 256
	defaultShutdownGrace = 3
	defaultInitialDelay  = 500
	defaultMaxDelay      = 10000
	defaultRetention     = 2000
	defaultLogFormat     = "console"
	defaultLogLevel      = "info"
)

// Default returns a Config populated with repository defaults. The socket
// path matches the location the player's bridge client dials.
func Default() Config {
	return Config{
		Device: Device{
			VendorID:    defaultVendorID,
			ProductID:   defaultProductID,
			Interface:   defaultInterface,
			EndpointOut: defaultEndpointOut,
			IOTimeout:   defaultIOTimeout,
		},
		Bridge: Bridge{
			SocketPath:    defaultSocketPath,
			QueueDepth:    defaultQueueDepth,
			ShutdownGrace: defaultShutdownGrace,
		},
		Reconnect: Reconnect{
			InitialDelay: defaultInitialDelay,
			MaxDelay:     defaultMaxDelay,
		},
		Journal: Journal{
			Enabled:   true,
			Retention: defaultRetention,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
	}
}
