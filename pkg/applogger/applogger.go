package applogger

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/config"
)

var (
	logger *logrus.Logger
	once   sync.Once
)

// GetLogrus returns the shared application logger. Output is JSON so the
// entries can be shipped as-is to the log collector.
func GetLogrus() *logrus.Logger {
	once.Do(func() {
		c := config.Get()

		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})

		if c.Application.Debug {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.InfoLevel)
		}

		logger.SetReportCaller(true)
	})

	return logger
}
