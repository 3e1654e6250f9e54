package testsupport

import (
	"context"
	"testing"

	"dossier/internal/config"
	"dossier/internal/logging"
	"dossier/internal/runtime"
)

// NewRuntime builds a fully wired runtime on cfg and closes it on cleanup.
func NewRuntime(t testing.TB, cfg *config.Config, opts ...runtime.Option) *runtime.Runtime {
	t.Helper()

	rt, err := runtime.New(context.Background(), cfg, logging.NewNop(), opts...)
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	t.Cleanup(func() {
		_ = rt.Close()
	})
	return rt
}
