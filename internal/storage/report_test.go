package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObjectName(t *testing.T) {
	t.Parallel()

	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		prefix string
		report RunReport
		want   string
	}{
		{
			name:   "prefixed",
			prefix: "runs",
			report: RunReport{RunID: "r1", Job: "prices", StartedAt: started},
			want:   "runs/prices/20240501T100000Z-r1.json",
		},
		{
			name:   "unsafe job",
			report: RunReport{RunID: "r1", Job: "../etc/passwd", StartedAt: started},
			want:   ".._etc_passwd/20240501T100000Z-r1.json",
		},
		{
			name:   "empty job",
			report: RunReport{RunID: "r1", StartedAt: started},
			want:   "default/20240501T100000Z-r1.json",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ObjectName(tt.prefix, tt.report)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := ObjectName("runs", RunReport{Job: "prices"})
	require.Error(t, err)
}
