package splitter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   float64
		ok     bool
	}{
		{
			name:   "typical ffmpeg stderr",
			output: "Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'in.mp4':\n  Duration: 00:01:30.50, start: 0.000000, bitrate: 128 kb/s\n",
			want:   90.5,
			ok:     true,
		},
		{
			name:   "hours present",
			output: "Duration: 01:02:03.00, bitrate: N/A\n",
			want:   3723,
			ok:     true,
		},
		{
			name:   "no duration line",
			output: "ffmpeg version 6.0\n",
			want:   0,
			ok:     false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseDuration(tc.output)
			require.Equal(t, tc.ok, ok)
			if ok {
				require.Equal(t, tc.want, got)
			}
		})
	}
}
