package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
)

var (
	// IsEnabled controls whether debug messages are output
	IsEnabled bool
	// CurrentLevel is the minimum level of messages to output
	CurrentLevel LogLevel

	mu     sync.Mutex
	logger *log.Logger

	levelNames = map[LogLevel]string{
		LevelDebug:   "DEBUG",
		LevelInfo:    "INFO",
		LevelWarning: "WARNING",
		LevelError:   "ERROR",
	}
)

func init() {
	logger = log.New(os.Stdout, "", 0)
	Reinitialize()
}

// ParseLevel converts a level name into a LogLevel. Unknown names map to
// LevelInfo.
func ParseLevel(name string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARNING":
		return LevelWarning
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetWriter redirects log output, primarily for tests.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = log.New(w, "", 0)
}

// Reinitialize updates the debug settings from the PALISADE_DEBUG and
// PALISADE_LOG_LEVEL environment variables.
func Reinitialize() {
	debugEnv := os.Getenv("PALISADE_DEBUG")
	IsEnabled = debugEnv == "true" || debugEnv == "1"
	CurrentLevel = ParseLevel(os.Getenv("PALISADE_LOG_LEVEL"))

	if IsEnabled {
		Info("Debug logging initialized - Enabled: %v, Level: %s", IsEnabled, levelNames[CurrentLevel])
	}
}

// Log prints a message with the specified level if debugging is enabled
// and the level clears the configured threshold.
func Log(level LogLevel, format string, v ...interface{}) {
	if !IsEnabled || level < CurrentLevel {
		return
	}

	pc, file, line, _ := runtime.Caller(2)
	funcName := runtime.FuncForPC(pc).Name()

	message := fmt.Sprintf(format, v...)
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")

	mu.Lock()
	defer mu.Unlock()
	logger.Printf("[%s] [%s] [%s:%d] [%s] %s\n",
		levelNames[level],
		timestamp,
		file,
		line,
		funcName,
		message,
	)
}

// Debug logs a debug level message
func Debug(format string, v ...interface{}) {
	Log(LevelDebug, format, v...)
}

// Info logs an info level message
func Info(format string, v ...interface{}) {
	Log(LevelInfo, format, v...)
}

// Warning logs a warning level message
func Warning(format string, v ...interface{}) {
	Log(LevelWarning, format, v...)
}

// Error logs an error level message
func Error(format string, v ...interface{}) {
	Log(LevelError, format, v...)
}
