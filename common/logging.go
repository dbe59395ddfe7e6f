// Package common provides the process-wide logging setup.
//
// Error-level entries are routed to stderr and everything else to stdout, so
// container log collectors can treat the two streams with different
// priority without parsing message content themselves.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes logrus output to stderr for error-level entries and
// stdout for everything else, based on the formatted line's "level=" field.
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. Services should log through it (or a
// ContextLogger built on top of it) rather than constructing their own.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
