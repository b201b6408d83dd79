// Package logging configures the process-wide structured logger.
// The level comes from configuration or the PLUGIN_LOG_LEVEL
// environment variable; components tag their entries through
// Component.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/plugrig/plugrig/internal/fault"
)

// EnvLogLevel overrides the configured log level when set.
const EnvLogLevel = "PLUGIN_LOG_LEVEL"

// Setup configures the standard logger with the given level name.
// PLUGIN_LOG_LEVEL wins over the argument; an empty result keeps the
// info default. Unknown names yield InvalidConfiguration.
func Setup(level string) error {
	if env := os.Getenv(EnvLogLevel); env != "" {
		level = env
	}
	if level == "" {
		level = "info"
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fault.Wrap(fault.InvalidConfiguration, err, "log level %q", level)
	}

	logrus.SetLevel(parsed)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return nil
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return logrus.StandardLogger().WithField("component", name)
}
