package appliance

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Config is the static bootstrap configuration, read from the environment.
// Everything tunable at runtime lives in the device document instead.
type Config struct {
	// Serial identifies this appliance; it is the document key.
	Serial string
	// MongoURI points at the control plane database. Unused in sim mode.
	MongoURI string
	// MongoDatabase holds the devices and device_commands collections.
	MongoDatabase string
	// Simulate swaps real hardware and the database for in-memory fakes.
	Simulate bool
	// LogLevel is the initial level for the root logger.
	LogLevel string
	// HTTPAddr is the diagnostics server bind address.
	HTTPAddr string
	// DataDir holds the interval cache and the rotating log file.
	DataDir string
	// GPIODevice is the character device backing the pin driver.
	GPIODevice string
}

// Environment variable names.
const (
	EnvSerial        = "SPROUTD_SERIAL"
	EnvMongoURI      = "SPROUTD_MONGO_URI"
	EnvMongoDatabase = "SPROUTD_MONGO_DATABASE"
	EnvSimulate      = "SPROUTD_SIM"
	EnvLogLevel      = "SPROUTD_LOG_LEVEL"
	EnvHTTPAddr      = "SPROUTD_HTTP_ADDR"
	EnvDataDir       = "SPROUTD_DATA_DIR"
	EnvGPIODevice    = "SPROUTD_GPIO_DEVICE"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ConfigFromEnv reads and validates the bootstrap configuration.
func ConfigFromEnv() (Config, error) {
	sim, _ := strconv.ParseBool(envOr(EnvSimulate, "false"))
	cfg := Config{
		Serial:        os.Getenv(EnvSerial),
		MongoURI:      os.Getenv(EnvMongoURI),
		MongoDatabase: envOr(EnvMongoDatabase, "verdant"),
		Simulate:      sim,
		LogLevel:      envOr(EnvLogLevel, "info"),
		HTTPAddr:      envOr(EnvHTTPAddr, ":8765"),
		DataDir:       envOr(EnvDataDir, "/var/lib/sproutd"),
		GPIODevice:    envOr(EnvGPIODevice, "/dev/gpiochip0"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the appliance cannot start with.
func (c Config) Validate() error {
	if c.Serial == "" {
		return errors.Errorf("%s is required", EnvSerial)
	}
	if !c.Simulate && c.MongoURI == "" {
		return errors.Errorf("%s is required outside sim mode", EnvMongoURI)
	}
	return nil
}
