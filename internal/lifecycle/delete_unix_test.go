//go:build !windows

package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/annel0/worldhost/internal/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteRetractsRouteBeforeStop(t *testing.T) {
	h := newHarness(t, 24000, 24010, 0)
	marker := filepath.Join(t.TempDir(), "saved")
	// Сервер сохраняет мир только по команде stop.
	h.version("1.21", fmt.Sprintf(`echo "Done (0.1s)! For help, type help"
while read line; do
  if [ "$line" = "stop" ]; then
    echo saved > %q
    exit 0
  fi
done
`, marker))
	w := h.create("doomed", "1.21")
	ctx := context.Background()
	require.NoError(t, h.m.Start(ctx, w.ID))

	st, err := h.m.Status(ctx, w.ID)
	require.NoError(t, err)
	require.NotZero(t, st.PID)

	var (
		mu             sync.Mutex
		aliveAtRetract []bool
	)
	h.syncer.setOnSync(func(routes []proxy.Route) {
		if len(routes) == 0 {
			mu.Lock()
			aliveAtRetract = append(aliveAtRetract, syscall.Kill(st.PID, 0) == nil)
			mu.Unlock()
		}
	})
	require.NoError(t, h.m.Delete(ctx, w.ID))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, aliveAtRetract)
	assert.True(t, aliveAtRetract[0], "process was gone before its route was retracted")
	_, err = os.Stat(marker)
	assert.NoError(t, err, "server did not get a stop command")
	assert.Equal(t, 0, h.ports.InUse())
}
