package observability

import (
	"context"
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservability_RecordsTransitions(t *testing.T) {
	reg := promclient.NewRegistry()
	o := New(Options{ServiceName: "lifecycle-test", Registerer: reg})
	defer o.Shutdown()

	ctx, span := o.StartSpan(context.Background(), "apply-transition")
	o.RecordTransition(ctx, "conversation", "web", "intent", 12*time.Millisecond)
	o.RecordJobProcessed(ctx, "completed")
	o.RecordJobDuration(ctx, 5*time.Millisecond, "completed")
	span.End()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["lifecycle_commits_total"], "gathered %v", names)
	assert.True(t, names["jobs_processed_total"], "gathered %v", names)
	assert.True(t, names["lifecycle_commit_duration_milliseconds"], "gathered %v", names)
}

func TestObservability_NilIsNoop(t *testing.T) {
	var o *Observability

	assert.NotPanics(t, func() {
		ctx, span := o.StartSpan(context.Background(), "noop")
		o.RecordTransition(ctx, "decision", "admin", "approved", time.Millisecond)
		o.RecordJobProcessed(ctx, "failed")
		span.End()
		o.Shutdown()
	})
}
