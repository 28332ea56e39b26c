package logging

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func initWorkspace(t *testing.T, configYAML string) {
	t.Helper()
	ws := t.TempDir()
	if configYAML != "" {
		dir := filepath.Join(ws, ".textbridge")
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML), 0644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(CloseAll)
}

func TestInitializeWithoutConfigIsSilent(t *testing.T) {
	initWorkspace(t, "")
	if IsDebugMode() {
		t.Fatal("debug mode on with no config, want off")
	}
	// Logging against a disabled category must be a harmless no-op.
	Transport("dropped on the floor")
}

func TestCategoryToggles(t *testing.T) {
	initWorkspace(t, `
logging:
  debug_mode: true
  level: debug
  categories:
    transport: true
    cache: false
`)
	if !IsCategoryEnabled(CategoryTransport) {
		t.Fatal("transport disabled, want enabled")
	}
	if IsCategoryEnabled(CategoryCache) {
		t.Fatal("cache enabled, want disabled")
	}
	// Unlisted categories default on in debug mode.
	if !IsCategoryEnabled(CategoryDispatch) {
		t.Fatal("dispatch disabled, want default-enabled")
	}
}

// ReloadConfig can run from the config watcher while other goroutines are
// logging; level and format reads must stay consistent under that churn.
// Run with -race.
func TestReloadConcurrentWithLogging(t *testing.T) {
	initWorkspace(t, `
logging:
  debug_mode: true
  level: info
`)

	stop := make(chan struct{})
	reloaderDone := make(chan struct{})
	go func() {
		defer close(reloaderDone)
		for {
			select {
			case <-stop:
				return
			default:
				if err := ReloadConfig(); err != nil {
					t.Errorf("ReloadConfig: %v", err)
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				Transport("message %d", j)
				TransportDebug("debug %d", j)
				Get(CategoryCache).Warn("warn %d", j)
			}
		}()
	}

	wg.Wait()
	close(stop)
	<-reloaderDone
}
