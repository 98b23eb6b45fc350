package common

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogger configures the package-level logrus logger: text format with full timestamps,
// written to stdout and to a rotated file under logDir. An empty logDir logs to stdout only.
func SetupLogger(level, logDir, fileName string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level '%s', using 'info'", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if logDir == "" {
		log.SetOutput(os.Stdout)
		return
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.SetOutput(os.Stdout)
		log.Warnf("cannot create log dir %s, logging to stdout only: %v", logDir, err)
		return
	}

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, fileName),
		MaxSize:    100,  // MB
		MaxBackups: 7,    // Keep 7 old log files
		MaxAge:     30,   // Days
		Compress:   true, // Compress old log files
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))

	log.Infof("Logging initialized: file=%s, level=%s", fileLogger.Filename, lvl)
}
