package shmstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var alignUpCases = map[string]struct {
	Value     int
	Alignment uint
	Expected  int
}{
	"Already Aligned": {Value: 128, Alignment: 64, Expected: 128},
	"Rounds Up":       {Value: 129, Alignment: 64, Expected: 192},
	"Zero":            {Value: 0, Alignment: 64, Expected: 0},
	"Alignment One":   {Value: 77, Alignment: 1, Expected: 77},
}

func TestAlignUp(t *testing.T) {
	for name, testCase := range alignUpCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.Expected, AlignUp(testCase.Value, testCase.Alignment))
		})
	}
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 128, AlignDown(128, 64))
	require.Equal(t, 128, AlignDown(191, 64))
	require.Equal(t, 0, AlignDown(63, 64))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, CheckPow2(64, "alignment"))
	require.NoError(t, CheckPow2(1, "alignment"))
	require.ErrorIs(t, CheckPow2(0, "alignment"), ErrNotPowerOfTwo)
	require.ErrorIs(t, CheckPow2(65, "alignment"), ErrNotPowerOfTwo)
}
