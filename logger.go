package ultrafast

import (
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
)

// Logger is the minimal logging interface consumed by the client. Implement it
// to bridge into an application's logging stack.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// DebugConfig controls which client concerns emit debug logs.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogRetries   bool
	LogRateLimit bool
	LogProtocol  bool
	LogStreams   bool

	// RequestIDGen produces correlation IDs attached to logs and errors.
	RequestIDGen func() string
}

// DefaultDebugConfig enables all debug concerns with the default ID generator.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      true,
		LogRequests:  true,
		LogRetries:   true,
		LogRateLimit: true,
		LogProtocol:  true,
		LogStreams:   true,
		RequestIDGen: generateRequestID,
	}
}

func generateRequestID() string {
	return "req_" + uuid.NewString()
}

// SimpleLogger writes leveled log lines to stderr.
type SimpleLogger struct {
	logger *log.Logger
}

// NewSimpleLogger creates a console logger suitable for development use.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{logger: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
}

func (l *SimpleLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logf("DEBUG", msg, keysAndValues...)
}

func (l *SimpleLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logf("INFO", msg, keysAndValues...)
}

func (l *SimpleLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logf("WARN", msg, keysAndValues...)
}

func (l *SimpleLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logf("ERROR", msg, keysAndValues...)
}

func (l *SimpleLogger) logf(level, msg string, keysAndValues ...interface{}) {
	if len(keysAndValues) == 0 {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	line := fmt.Sprintf("[%s] %s", level, msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		line += fmt.Sprintf(" %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	if len(keysAndValues)%2 == 1 {
		line += fmt.Sprintf(" %v", keysAndValues[len(keysAndValues)-1])
	}
	l.logger.Print(line)
}
