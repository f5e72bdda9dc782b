package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "config.json", `{"services": {"a": {"v": 1}}}`)

	var mu sync.Mutex
	var seen []*Config
	w := &Watcher{
		Path:     p,
		Debounce: 20 * time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnChange: func(c *Config) {
			mu.Lock()
			seen = append(seen, c)
			mu.Unlock()
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`{"services": {"a": {"v": 2}}}`), 0o644))
	write(t, dir, "other.json", `{}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			return false
		}
		svc, ok := seen[len(seen)-1].Service("a")
		return ok && svc.Config["v"] == float64(2)
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := &Watcher{Path: "/does/not/exist/config.json"}
	err := w.Run(context.Background())
	require.Error(t, err)
}
