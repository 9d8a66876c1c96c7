// Package testlog routes smplog output through the test profile and brackets
// each test with start and finish lines.
package testlog

import (
	"testing"
	"time"

	"github.com/danmuck/serialsync/internal/logging"
	logs "github.com/danmuck/smplog"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	started := time.Now()
	logs.Infof("test=%s", t.Name())
	t.Cleanup(func() {
		logs.Debugf("test=%s done failed=%t elapsed=%s", t.Name(), t.Failed(), time.Since(started).Round(time.Millisecond))
	})
}
