package logger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/praxis/praxis-identity/internal/bus"
)

// EventHook forwards log entries to the event bus so websocket clients can
// follow warnings such as fallback resolutions and missing registries.
type EventHook struct {
	publisher bus.Publisher
	source    string
	levels    []logrus.Level
}

// NewEventHook creates a hook publishing entries at minLevel and above.
func NewEventHook(publisher bus.Publisher, source string, minLevel logrus.Level) *EventHook {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}
	return &EventHook{publisher: publisher, source: source, levels: levels}
}

// Levels returns the log levels this hook is interested in
func (h *EventHook) Levels() []logrus.Level {
	return h.levels
}

// Fire is called when a log event occurs
func (h *EventHook) Fire(entry *logrus.Entry) error {
	if h.publisher == nil {
		return nil
	}

	fields := make(map[string]interface{}, len(entry.Data))
	keys := make([]string, 0, len(entry.Data))
	for key, value := range entry.Data {
		if err, ok := value.(error); ok {
			value = err.Error()
		}
		fields[key] = value
		keys = append(keys, key)
	}
	sort.Strings(keys)

	message := entry.Message
	if len(keys) > 0 {
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", key, fields[key]))
		}
		message = fmt.Sprintf("%s [%s]", message, strings.Join(parts, ", "))
	}

	h.publisher.PublishAsync(bus.EventLog, map[string]interface{}{
		"level":     entry.Level.String(),
		"message":   message,
		"source":    h.source,
		"fields":    fields,
		"timestamp": entry.Time.Format(time.RFC3339),
	})
	return nil
}
