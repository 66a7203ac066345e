package voiceagent

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AgentLogger wraps zerolog for structured logging
type AgentLogger struct {
	logger zerolog.Logger
}

// LogConfig represents the configuration for logging
type LogConfig struct {
	Level  zerolog.Level
	Pretty bool
	Output io.Writer
	Fields map[string]interface{}
}

// DefaultLogConfig returns a default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  zerolog.InfoLevel,
		Pretty: true,
		Output: os.Stdout,
	}
}

// NewAgentLogger creates a new structured logger
func NewAgentLogger(config *LogConfig) *AgentLogger {
	if config == nil {
		config = DefaultLogConfig()
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if config.Pretty {
		logger = log.Output(zerolog.ConsoleWriter{
			Out:        config.Output,
			TimeFormat: time.Kitchen,
		})
	} else {
		logger = zerolog.New(config.Output)
	}

	logger = logger.Level(config.Level).With().Timestamp().Logger()
	if len(config.Fields) > 0 {
		logger = logger.With().Fields(config.Fields).Logger()
	}

	return &AgentLogger{logger: logger}
}

// WithComponent adds a component field to the logger
func (l *AgentLogger) WithComponent(component string) *AgentLogger {
	return &AgentLogger{logger: l.logger.With().Str("component", component).Logger()}
}

// WithField adds a field to the logger
func (l *AgentLogger) WithField(key string, value interface{}) *AgentLogger {
	return &AgentLogger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithError adds an error field to the logger
func (l *AgentLogger) WithError(err error) *AgentLogger {
	return &AgentLogger{logger: l.logger.With().Err(err).Logger()}
}

func (l *AgentLogger) Trace(msg string) { l.logger.Trace().Msg(msg) }
func (l *AgentLogger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *AgentLogger) Info(msg string)  { l.logger.Info().Msg(msg) }
func (l *AgentLogger) Warn(msg string)  { l.logger.Warn().Msg(msg) }
func (l *AgentLogger) Error(msg string) { l.logger.Error().Msg(msg) }
func (l *AgentLogger) Fatal(msg string) { l.logger.Fatal().Msg(msg) }

func (l *AgentLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *AgentLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

func (l *AgentLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *AgentLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l *AgentLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatal().Msgf(format, args...)
}

// LogSessionEvent logs session lifecycle events with structured fields
func (l *AgentLogger) LogSessionEvent(event, sessionID string, fields map[string]interface{}) {
	l.logger.Info().
		Str("event_type", "session").
		Str("event", event).
		Str("session_id", sessionID).
		Fields(fields).
		Msg("Session event")
}

// LogProtocolEvent logs control-channel message events
func (l *AgentLogger) LogProtocolEvent(msgType string, fields map[string]interface{}) {
	l.logger.Debug().
		Str("event_type", "protocol").
		Str("message_type", msgType).
		Fields(fields).
		Msg("Protocol event")
}

// LogAgentError logs an AgentError with structured fields
func (l *AgentLogger) LogAgentError(err *AgentError) {
	l.logger.Error().
		Str("error_code", err.Code).
		Time("timestamp", err.Timestamp).
		Fields(err.Details).
		Msg(err.Message)
}

// Global logger instance
var globalLogger *AgentLogger

func init() {
	globalLogger = NewAgentLogger(DefaultLogConfig())
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *AgentLogger {
	return globalLogger
}

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *AgentLogger) {
	globalLogger = logger
}
