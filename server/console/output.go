package console

import (
	"fmt"
	"log/slog"
)

// output collects the messages and errors of a single command.
type output struct {
	messages []string
	errors   []string
}

func (o *output) print(a ...any) {
	o.messages = append(o.messages, fmt.Sprint(a...))
}

func (o *output) printf(format string, a ...any) {
	o.messages = append(o.messages, fmt.Sprintf(format, a...))
}

func (o *output) errorf(format string, a ...any) {
	o.errors = append(o.errors, fmt.Sprintf(format, a...))
}

func (o *output) flush(log *slog.Logger) {
	for _, msg := range o.messages {
		log.Info(msg)
	}
	for _, err := range o.errors {
		log.Error(err)
	}
}
