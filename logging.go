package procdisp

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Log is the package logger used when no logger is configured. Workers log
// to their inherited stderr.
var Log = logrus.New()

// NewMuteLogger returns a logger that discards everything.
func NewMuteLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// SetLogLevel parses level and applies it to Log.
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Log.SetLevel(lvl)
	return nil
}
