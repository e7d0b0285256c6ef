package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(Requests.WithLabelValues("page", "hit"))
	RecordRequest("page", "hit")
	assert.Equal(t, before+1, testutil.ToFloat64(Requests.WithLabelValues("page", "hit")))

	before = testutil.ToFloat64(Installs.WithLabelValues("failure"))
	RecordInstall(false)
	assert.Equal(t, before+1, testutil.ToFloat64(Installs.WithLabelValues("failure")))

	before = testutil.ToFloat64(RetryReplays.WithLabelValues("delivered"))
	RecordReplay(true)
	assert.Equal(t, before+1, testutil.ToFloat64(RetryReplays.WithLabelValues("delivered")))

	before = testutil.ToFloat64(ControlCommands.WithLabelValues("bogus", "error"))
	RecordControl("bogus", errors.New("unknown"))
	assert.Equal(t, before+1, testutil.ToFloat64(ControlCommands.WithLabelValues("bogus", "error")))
}
