// Package containerdriver defines the narrow contract the deployment
// pipeline, the registry's idle sweep, and the runner's startup orphan
// cleanup use to talk to a container runtime, mirroring the shape of the subset interface the teacher
// repo's Docker client exposes to its callers.
package containerdriver

import (
	"context"
	"io"

	"github.com/neult/oken/internal/containerdriver/recipe"
)

// AgentLabel is the label key stamped onto every container the driver
// starts for an agent, used by CleanupOrphans to find what it owns.
const AgentLabel = "oken.agent_id"

// Driver is the subset of container runtime operations the deployment
// pipeline, the registry's idle sweep, and the runner's startup orphan
// cleanup depend on. Implemented by
// dockerengine.Client for production and by fakes in tests.
type Driver interface {
	// EnsureNetwork creates the shared bridge network if it doesn't
	// already exist.
	EnsureNetwork(ctx context.Context, name string) error

	// BuildImage builds imageTag from the build context at codeDir,
	// having already had its Dockerfile (and wrapper, if any) written
	// by recipe.Write. Build output is streamed to logs; on failure the
	// captured stream is returned alongside the error so callers can
	// surface it as BuildFailed.Logs.
	BuildImage(ctx context.Context, codeDir, imageTag string, bc recipe.BuildContext) (logs string, err error)

	// StartContainer runs imageTag as containerName on network, with
	// env set and labeled with the agent id, and returns its container
	// ID. Any pre-existing container with the same name is removed
	// first.
	StartContainer(ctx context.Context, agentID, containerName, imageTag, network string, env map[string]string) (containerID string, err error)

	// StopContainer stops and removes a container by ID, tolerating it
	// already being gone.
	StopContainer(ctx context.Context, containerID string) error

	// CleanupImage removes an image by tag, tolerating it already being
	// gone.
	CleanupImage(ctx context.Context, imageTag string) error

	// CleanupOrphans removes every container labeled with AgentLabel and
	// returns how many were removed; called once at startup to recover
	// from a prior crash that left containers running unregistered.
	CleanupOrphans(ctx context.Context) (int, error)

	io.Closer
}
