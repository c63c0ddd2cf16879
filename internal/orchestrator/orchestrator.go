// Package orchestrator drives the external container runtime between
// rounds: teardown, network setup, clean recreation and patch push.
//
// Runtime is an interface so the scheduler can run against a fake in tests;
// DockerRuntime is the production implementation on the local Docker socket.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/adctf/backend/internal/store"
)

const (
	// NetworkName and NetworkCIDR match the compose project the team images
	// are built under.
	NetworkName = "adsystem_ad-network"
	NetworkCIDR = "172.30.0.0/24"

	// Team i's container gets IP 172.30.0.{ipOffset+i} and publishes host
	// port hostPortBase+i onto service port 8000.
	ipOffset     = 100
	hostPortBase = 8100
	ServicePort  = 8000
)

// Runtime is the opaque container-executor capability the scheduler uses.
// Implementations must treat "container not found" as success on Destroy.
type Runtime interface {
	// Destroy forcibly removes the named containers. Idempotent.
	Destroy(ctx context.Context, names []string) error

	// EnsureNetwork creates the game network if absent.
	EnsureNetwork(ctx context.Context, name, cidr string) error

	// Create starts a team's container from its clean base image.
	Create(ctx context.Context, team store.Team) error

	// CopyInto pushes a local file into a running container.
	CopyInto(ctx context.Context, containerName, localPath, remotePath string) error

	// Reload triggers a graceful reload of the in-container server so a
	// pushed patch takes effect without a restart.
	Reload(ctx context.Context, containerName string) error
}

// ContainerName is the canonical container name for a team.
func ContainerName(teamID int) string {
	return fmt.Sprintf("team%d", teamID)
}

// ImageName is the clean base image a team's container is recreated from.
func ImageName(teamID int) string {
	return fmt.Sprintf("adsystem_team%d", teamID)
}

// TeamIP is the static address team i's container is attached at.
func TeamIP(teamID int) string {
	return fmt.Sprintf("172.30.0.%d", ipOffset+teamID)
}

// HostPort is the published host port for team i's service.
func HostPort(teamID int) int {
	return hostPortBase + teamID
}
