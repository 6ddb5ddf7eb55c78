package monitor

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

func TestNormalizeDetail(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{
			name: "request ids differ",
			a:    "upstream timeout for request 3f2b8c1e-1d2a-4b7c-9e0f-123456789abc",
			b:    "upstream timeout for request 9a8b7c6d-5e4f-4a3b-8c2d-abcdefabcdef",
			same: true,
		},
		{
			name: "durations differ",
			a:    "context deadline exceeded after 30.5s",
			b:    "context deadline exceeded after 12s",
			same: true,
		},
		{
			name: "whitespace and case",
			a:    "Connection   refused",
			b:    "connection refused",
			same: true,
		},
		{
			name: "different hosts",
			a:    "dial tcp db-primary:5432: connection refused",
			b:    "dial tcp cache:6379: connection refused",
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.same, normalizeDetail(tt.a) == normalizeDetail(tt.b))
		})
	}
}

func TestNormalizeDetailTruncatesOnRuneBoundary(t *testing.T) {
	// Each "é" is two bytes, so an odd prefix puts the limit mid-rune.
	detail := "x" + strings.Repeat("é", maxSignatureLen)

	got := normalizeDetail(detail)

	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxSignatureLen)
	assert.Equal(t, maxSignatureLen-1, len(got))
	assert.True(t, strings.HasPrefix(detail, got))
}

func TestClassifyBuiltinRules(t *testing.T) {
	c := NewCorrelator(nil, nil)

	tests := []struct {
		detail string
		want   string
	}{
		{"dial tcp 10.0.0.1:443: i/o timeout", CorrelationExternalDependency},
		{"registry returned status 503", CorrelationExternalDependency},
		{"429 Too Many Requests", CorrelationExternalDependency},
		{"sqlite: no such column: owner_id", CorrelationSchemaDrift},
		{`ERROR: column "tenant" does not exist`, CorrelationSchemaDrift},
		{"assertion failed: expected 3 got 4", ""},
	}

	for _, tt := range tests {
		t.Run(tt.detail, func(t *testing.T) {
			sig := c.Classify(context.Background(), Step{Detail: tt.detail})
			if tt.want == "" {
				assert.Nil(t, sig)
				return
			}
			require.NotNil(t, sig)
			assert.Equal(t, tt.want, sig.Type)
			assert.NotEmpty(t, sig.RootCause)
		})
	}
}

func TestClassifyPrefersScripts(t *testing.T) {
	script, err := CompileSignatureScript("vendor.star", `
def signature(step):
    host = re_search("dial tcp ([a-z-]+):", step["detail"])
    if host == None:
        return None
    return {"type": "dependency_host", "signature": host, "root_cause": "dependency " + host + " unreachable"}
`, time.Second)
	require.NoError(t, err)

	c := NewCorrelator(nil, nil, script)

	sig := c.Classify(context.Background(), Step{Detail: "dial tcp db-primary:5432: connection refused"})
	require.NotNil(t, sig)
	assert.Equal(t, "dependency_host", sig.Type)
	assert.Equal(t, "db-primary", sig.Key)
	assert.Equal(t, "dependency db-primary unreachable", sig.RootCause)

	// Falls through to the built-in rules when the script declines.
	sig = c.Classify(context.Background(), Step{Detail: "no such table: lessons"})
	require.NotNil(t, sig)
	assert.Equal(t, CorrelationSchemaDrift, sig.Type)
}

func TestCorrelateGroupsBySignature(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()
	at := sweepTime.Add(-10 * time.Minute)

	var entries []*triage.Entry
	add := func(name, detail string, success bool, logAt time.Time) string {
		wo := f.createAt(t, at, name, workorder.StatusInProgress)
		f.log(t, wo.ID, logAt, workorder.PhaseExecuting, success, detail)
		entries = append(entries,
			&triage.Entry{ID: "stuck-" + name, WorkOrderID: wo.ID},
			&triage.Entry{ID: "spiral-" + name, WorkOrderID: wo.ID},
		)
		return wo.ID
	}

	a := add("a", "dial tcp registry:443: connection refused", false, at)
	b := add("b", "dial tcp registry:443: connection refused", false, at)
	add("c", "no such column: owner", false, at)
	add("d", "dial tcp registry:443: connection refused", true, at)
	add("e", "dial tcp registry:443: connection refused", false, sweepTime.Add(-3*time.Hour))

	groups, err := f.monitor.correlator.Correlate(ctx, entries, DefaultConfig(), sweepTime)
	require.NoError(t, err)

	require.Len(t, groups, 1, "only the two recent failures share a signature")
	g := groups[0]
	assert.Equal(t, CorrelationExternalDependency, g.Type)
	assert.Equal(t, []string{a, b}, g.WorkOrderIDs)
	assert.Equal(t, []string{"stuck-a", "spiral-a", "stuck-b", "spiral-b"}, g.EntryIDs)
	assert.Contains(t, g.RootCause, "connection refused")
}
