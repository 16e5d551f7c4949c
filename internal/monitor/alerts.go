package monitor

import "invest-core/pkg/logger"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the log at error level.
type LogSink struct {
	Log *logger.Entry
}

func (s LogSink) Send(message string) error {
	s.Log.Error(message)
	return nil
}
