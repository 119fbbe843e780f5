package main

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/bridge-kpi-indexer/internal/scheduler"
)

// jobSpec describes one scheduled job. A non-nil disabled error keeps the
// job out of the cron table and reports it as disabled.
type jobSpec struct {
	name     string
	schedule string
	disabled error
	fn       scheduler.JobFunc
}

// registerJobs adds every enabled job and records the disabled ones
func registerJobs(s *scheduler.Scheduler, jobs []jobSpec) error {
	for _, j := range jobs {
		if j.disabled != nil {
			s.Disable(j.name, j.disabled.Error())
			continue
		}
		if err := s.Add(j.name, j.schedule, j.fn); err != nil {
			return err
		}
	}
	return nil
}

// discard adapts a job that returns a value into a scheduler.JobFunc
func discard[T any](fn func(ctx context.Context) (T, error)) scheduler.JobFunc {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	// Set log formatter based on environment
	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	// Set log level based on environment
	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}
