// Package testlog builds loggers scoped to a test name.
package testlog

import (
	"os"
	"testing"

	"github.com/nest-crdt/distributor/internal/log"
)

// Level returns DebugLevel when DISTRIBUTOR_TEST_LOGS=DEBUG is set in the
// environment, InfoLevel otherwise.
func Level(t testing.TB) int {
	if v, ok := os.LookupEnv("DISTRIBUTOR_TEST_LOGS"); ok && v == "DEBUG" {
		t.Log("enabling debug level logs")
		return log.DebugLevel
	}
	return log.InfoLevel
}

// New returns a logger named after the running test.
func New(t testing.TB) log.Logger {
	return log.New(nil, Level(t), false).With("test", t.Name())
}
