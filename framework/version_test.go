package framework

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareVersionsNumericOrdering(t *testing.T) {
	cases := []struct {
		a, b string
		want Ordering
	}{
		{"1.2.0", "1.10.0", Less},
		{"2.0", "2.0.0", Equal},
		{"2.0.1", "2.0", Greater},
		{"10.0.0", "9.99.99", Greater},
		{"14", "14.0.0", Equal},
		{"0.0.1", "0.1", Less},
	}
	for _, tc := range cases {
		got, err := CompareVersions(tc.a, tc.b)
		require.NoError(t, err, "%s vs %s", tc.a, tc.b)
		require.Equal(t, tc.want, got, "%s vs %s", tc.a, tc.b)

		reverse, err := CompareVersions(tc.b, tc.a)
		require.NoError(t, err)
		require.Equal(t, -tc.want, reverse, "antisymmetry %s vs %s", tc.b, tc.a)
	}
}

func TestCompareVersionsMalformed(t *testing.T) {
	for _, raw := range []string{"", "1..2", "1.x", "v1.2", "1.2.3-beta", ".1", "1.-2"} {
		_, err := CompareVersions(raw, "1.0.0")
		require.ErrorIs(t, err, ErrMalformedVersion, raw)
		_, err = CompareVersions("1.0.0", raw)
		require.ErrorIs(t, err, ErrMalformedVersion, raw)
	}
}

func TestLegacyCompareTargetAhead(t *testing.T) {
	v, err := LegacyCompare("12.0.0", "14.0.0")
	require.NoError(t, err)
	require.Equal(t, 1, v)

	v, err = LegacyCompare("14.0.0", "14.0")
	require.NoError(t, err)
	require.Equal(t, 0, v)

	v, err = LegacyCompare("16.1.0", "14.0.0")
	require.NoError(t, err)
	require.Equal(t, -1, v)
}

func TestStripVersionRange(t *testing.T) {
	require.Equal(t, "1.2.0", StripVersionRange("^1.2.0"))
	require.Equal(t, "1.2.0", StripVersionRange(">=1.2.0"))
	require.Equal(t, "14.17.0", StripVersionRange("v14.17.0\n"))
	require.Equal(t, "3.0.0", StripVersionRange("  ~3.0.0 "))
}
