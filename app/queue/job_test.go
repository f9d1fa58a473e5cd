package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_ShouldRetry(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tbl := []struct {
		name     string
		job      Job
		expired  bool
		retrying bool
	}{
		{"fresh", Job{CreatedAt: now.Add(-time.Minute)}, false, true},
		{"two attempts", Job{CreatedAt: now, AttemptCount: 2}, false, true},
		{"max attempts", Job{CreatedAt: now, AttemptCount: MaxAttempts}, false, false},
		{"exactly ttl", Job{CreatedAt: now.Add(-ExpirationTTL)}, false, true},
		{"expired", Job{CreatedAt: now.Add(-ExpirationTTL - time.Second)}, true, false},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expired, tt.job.IsExpired(now))
			assert.Equal(t, tt.retrying, tt.job.ShouldRetry(now))
		})
	}
}

func TestParseJobType(t *testing.T) {
	jt, err := ParseJobType("listing")
	require.NoError(t, err)
	assert.Equal(t, TypeListing, jt)

	jt, err = ParseJobType("")
	require.NoError(t, err)
	assert.Equal(t, TypeGeneral, jt)

	_, err = ParseJobType("video")
	require.Error(t, err)
}

func TestJob_Clone(t *testing.T) {
	j := Job{ID: "1", Metadata: map[string]string{"k": "v"}}
	c := j.clone()
	c.Metadata["k"] = "changed"
	assert.Equal(t, "v", j.Metadata["k"])
	assert.Equal(t, "{id:1, type:, owner:-, status:, attempts:0, progress:0%}", j.String())
}
