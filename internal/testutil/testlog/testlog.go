// Package testlog wires the test logging profile into package tests.
package testlog

import (
	"testing"
	"time"

	"github.com/danmuck/remoterc/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging and brackets the test with start/done lines.
func Start(t testing.TB) {
	t.Helper()
	logging.ConfigureTests()
	started := time.Now()
	log.Debug().Str("test", t.Name()).Msg("testlog start")
	t.Cleanup(func() {
		log.Debug().
			Str("test", t.Name()).
			Bool("failed", t.Failed()).
			Dur("elapsed", time.Since(started)).
			Msg("testlog done")
	})
}
