package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlanFailure(t *testing.T) {
	dbErr := NewDatabaseConnectionFailedError(fmt.Errorf("dial tcp: refused"))

	tests := []struct {
		name        string
		remaining   int32
		err         error
		wantThrow   bool
		wantRetries int32
		wantBackoff time.Duration
	}{
		{name: "first failure caps at policy", remaining: 5, err: dbErr, wantRetries: 3, wantBackoff: time.Second},
		{name: "engine budget lower than policy", remaining: 3, err: dbErr, wantRetries: 2, wantBackoff: 2 * time.Second},
		{name: "last engine retry", remaining: 1, err: dbErr, wantRetries: 0, wantBackoff: 8 * time.Second},
		{name: "engine budget exhausted", remaining: 0, err: dbErr, wantThrow: true},
		{name: "business outcome throws", remaining: 3, err: NewIllegalTransitionError("approved", "submitted", nil), wantThrow: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := planFailure(tt.remaining, tt.err)

			assert.Equal(t, tt.wantThrow, plan.throw)
			assert.Equal(t, tt.wantRetries, plan.retries)
			assert.Equal(t, tt.wantBackoff, plan.backoff)
			assert.NotNil(t, plan.err)
		})
	}
}
