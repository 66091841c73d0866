// Package testutil holds helpers shared by the container-backed provider tests.
package testutil

import (
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// SkipContainersEnv disables every container-backed test when set to any value.
const SkipContainersEnv = "DOCREPO_SKIP_CONTAINERS"

// RequireContainers skips t in short mode, when SkipContainersEnv is set, or when
// no healthy container runtime is reachable.
func RequireContainers(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	if os.Getenv(SkipContainersEnv) != "" {
		t.Skipf("skipping container test (%s is set)", SkipContainersEnv)
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}
