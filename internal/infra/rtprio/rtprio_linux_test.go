package rtprio

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetNormalScheduling(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	require.NoError(t, Set(false, 0))
	_, realtime := Current()
	require.False(t, realtime)
}

func TestSetRejectsInvalidPriority(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	require.Error(t, Set(true, 1000))
}
