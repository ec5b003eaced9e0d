package compliance

import (
	"log/slog"
)

type multiObserver []Observer

type logObserver struct {
	logger *slog.Logger
}

// Observers returns an Observer handing every message to each of observers in turn. Nil
// observers are skipped.
func Observers(observers ...Observer) Observer {
	var m multiObserver
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m multiObserver) Observe(msg AnnotatedMessage) {
	for _, o := range m {
		o.Observe(msg)
	}
}

// LogObserver returns an Observer tracing one line per message, "sender -> recipient: summary",
// to logger at info level. Error responses also carry their code and message.
func LogObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return logObserver{logger: logger}
}

func (l logObserver) Observe(msg AnnotatedMessage) {
	attrs := []any{slog.String("transport", string(msg.Metadata.Transport))}
	if msg.Message.Error != nil {
		attrs = append(attrs, slog.String("err", msg.Message.Error.Error()))
	}
	l.logger.Info(msg.Metadata.Sender+" -> "+msg.Metadata.Recipient+": "+msg.Message.Summary(), attrs...)
}
