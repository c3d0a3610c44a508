package log

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorDim    = "\033[2m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorPurple = "\033[35m"
)

// TextFormatter formats log entries as human-readable text.
type TextFormatter struct {
	TimestampFormat string // Format for timestamps
	DisableColors   bool   // Disable color output
}

// NewTextFormatter creates a new TextFormatter with sensible defaults.
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000",
	}
}

// Format formats the entry as text.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	timestampFormat := f.TimestampFormat
	if timestampFormat == "" {
		timestampFormat = "2006-01-02T15:04:05.000"
	}
	timestamp := entry.Timestamp.Format(timestampFormat)

	level := fmt.Sprintf("%-5s", entry.Level.String())
	if !f.DisableColors {
		level = colorizeLevel(entry.Level)
		timestamp = colorDim + timestamp + colorReset
	}

	var fieldParts []string
	for _, field := range entry.Fields {
		if f.DisableColors {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", field.Key, field.Value))
		} else {
			fieldParts = append(fieldParts, fmt.Sprintf("%s%s%s=%v", colorCyan, field.Key, colorReset, field.Value))
		}
	}

	line := fmt.Sprintf("%s %s %s", timestamp, level, entry.Message)
	if len(fieldParts) > 0 {
		line += " " + strings.Join(fieldParts, " ")
	}

	return []byte(line + "\n"), nil
}

func colorizeLevel(level Level) string {
	padded := fmt.Sprintf("%-5s", level.String())
	switch level {
	case DebugLevel:
		return colorPurple + padded + colorReset
	case InfoLevel:
		return colorGreen + padded + colorReset
	case WarnLevel:
		return colorYellow + padded + colorReset
	case ErrorLevel, FatalLevel:
		return colorRed + padded + colorReset
	default:
		return padded
	}
}

// JSONFormatter formats log entries as JSON, one object per line.
type JSONFormatter struct {
	TimestampFormat string // Format for timestamps
}

// Format formats the entry as JSON.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	timestampFormat := time.RFC3339
	if f.TimestampFormat != "" {
		timestampFormat = f.TimestampFormat
	}

	data := make(map[string]interface{}, len(entry.Fields)+3)
	data["timestamp"] = entry.Timestamp.Format(timestampFormat)
	data["level"] = entry.Level.String()
	data["message"] = entry.Message

	for _, field := range entry.Fields {
		// Don't overwrite standard fields
		if field.Key != "timestamp" && field.Key != "level" && field.Key != "message" {
			data[field.Key] = field.Value
		}
	}

	out, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// NewFormatter returns a formatter for a configured format name.
func NewFormatter(format string) Formatter {
	if format == "json" {
		return &JSONFormatter{}
	}
	return NewTextFormatter()
}
