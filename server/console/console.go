package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/df-mc/chunkd/server"
)

// Console reads commands line by line from an io.Reader (defaulting to
// os.Stdin) and executes them on a server. Command output is written to the
// Logger of the console.
type Console struct {
	srv    *server.Server
	log    *slog.Logger
	reader io.Reader
}

// New returns a Console bound to the server passed. The console reads from
// os.Stdin and writes command output to the supplied logger.
func New(srv *server.Server, log *slog.Logger) *Console {
	if log == nil {
		log = slog.Default()
	}
	return &Console{
		srv:    srv,
		log:    log,
		reader: os.Stdin,
	}
}

// WithReader sets a custom reader for the console input.
func (c *Console) WithReader(r io.Reader) *Console {
	if r != nil {
		c.reader = r
	}
	return c
}

// Run starts consuming commands from the console. It blocks until the context
// is cancelled or the underlying reader reaches EOF.
func (c *Console) Run(ctx context.Context) {
	scanner := bufio.NewScanner(c.reader)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				c.log.Error("console input error", "error", err)
			}
			return
		}
		c.Execute(scanner.Text())
	}
}

// Execute runs a single command line. A leading slash is optional.
func (c *Console) Execute(line string) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "/")
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}
	command, ok := commands[strings.ToLower(args[0])]
	if !ok {
		c.log.Error("Unknown command: " + args[0] + ". Use help for a list of commands.")
		return
	}
	o := &output{}
	if err := command.run(c, o, args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			o.errorf("Usage: %v %v", command.name, command.usage)
		} else {
			o.errorf("%v: %v", command.name, err)
		}
	}
	o.flush(c.log)
}
