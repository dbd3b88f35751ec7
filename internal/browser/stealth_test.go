package browser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomProfileWithinBounds(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		p := RandomProfile()
		require.Contains(t, userAgents, p.UserAgent)
		require.GreaterOrEqual(t, p.Width, int64(minViewportWidth))
		require.Less(t, p.Width, int64(minViewportWidth+viewportWidthSpan))
		require.GreaterOrEqual(t, p.Height, int64(minViewportHeight))
		require.Less(t, p.Height, int64(minViewportHeight+viewportHeightSpan))
		require.Equal(t, "en-US,en;q=0.9", p.Headers["Accept-Language"])
		require.NotEmpty(t, p.Headers["Accept"])
		require.Equal(t, StealthScript, p.Script)
	}
}

func TestStealthScriptMasksFingerprints(t *testing.T) {
	t.Parallel()

	for _, needle := range []string{"webdriver", "plugins", "languages", "permissions.query", "window.chrome"} {
		require.True(t, strings.Contains(StealthScript, needle), needle)
	}
}

func TestLaunchFlagsAppendsStealthOptions(t *testing.T) {
	t.Parallel()

	base := len(LaunchFlags(true, false, ""))
	require.Greater(t, base, 0)
	require.Equal(t, base+1, len(LaunchFlags(true, true, "")))
	require.Equal(t, base+2, len(LaunchFlags(false, true, "/usr/bin/chromium")))
}
