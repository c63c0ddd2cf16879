package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/adctf/backend/internal/store"
)

const (
	destroyTimeout = 30 * time.Second
	networkTimeout = 10 * time.Second
	createTimeout  = 30 * time.Second
	copyTimeout    = 10 * time.Second
	reloadTimeout  = 10 * time.Second
)

// DockerRuntime implements Runtime against the local Docker daemon. Clients
// are opened per call so a daemon restart between rounds never strands a
// stale connection.
type DockerRuntime struct{}

func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{}
}

func newClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

func (d *DockerRuntime) Destroy(ctx context.Context, names []string) error {
	ctx, cancel := context.WithTimeout(ctx, destroyTimeout)
	defer cancel()

	cli, err := newClient()
	if err != nil {
		return err
	}
	defer cli.Close()

	for _, name := range names {
		err := cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			slog.Error("Failed to remove container", "container", name, "error", err)
			continue
		}
	}
	slog.Info("Removed team containers", "count", len(names))
	return nil
}

func (d *DockerRuntime) EnsureNetwork(ctx context.Context, name, cidr string) error {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	cli, err := newClient()
	if err != nil {
		return err
	}
	defer cli.Close()

	if _, err := cli.NetworkInspect(ctx, name, types.NetworkInspectOptions{}); err == nil {
		return nil
	}

	slog.Info("Creating game network", "network", name, "subnet", cidr)
	_, err = cli.NetworkCreate(ctx, name, types.NetworkCreate{
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: cidr}},
		},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) Create(ctx context.Context, team store.Team) error {
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	cli, err := newClient()
	if err != nil {
		return err
	}
	defer cli.Close()

	name := ContainerName(team.ID)
	image := ImageName(team.ID)
	internalPort := nat.Port(fmt.Sprintf("%d/tcp", ServicePort))

	cfg := &container.Config{
		Image: image,
		Env: []string{
			fmt.Sprintf("TEAM_ID=%s", name),
			"MAIN_SERVER=http://172.30.0.10:5000",
			fmt.Sprintf("PORT=%d", ServicePort),
			fmt.Sprintf("SECRET_KEY=%s-secret-key", name),
			"APACHE_LOG_DIR=/var/log/apache2",
		},
		ExposedPorts: nat.PortSet{internalPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			internalPort: []nat.PortBinding{{HostPort: fmt.Sprintf("%d", HostPort(team.ID))}},
		},
		Binds: []string{
			fmt.Sprintf("adsystem_%s-logs:/app/logs", name),
			fmt.Sprintf("adsystem_%s-files:/app/files", name),
		},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			NetworkName: {
				IPAMConfig: &network.EndpointIPAMConfig{IPv4Address: TeamIP(team.ID)},
			},
		},
	}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	slog.Info("Recreated team container", "container", name, "ip", TeamIP(team.ID))
	return nil
}

func (d *DockerRuntime) CopyInto(ctx context.Context, containerName, localPath, remotePath string) error {
	ctx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()

	cli, err := newClient()
	if err != nil {
		return err
	}
	defer cli.Close()

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}

	// The copy API takes a tar stream extracted into the destination dir.
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(remotePath),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar %s: %w", localPath, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("tar %s: %w", localPath, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar %s: %w", localPath, err)
	}

	dest := filepath.Dir(remotePath)
	if err := cli.CopyToContainer(ctx, containerName, dest, &buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy into %s: %w", containerName, err)
	}
	return nil
}

func (d *DockerRuntime) Reload(ctx context.Context, containerName string) error {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	cli, err := newClient()
	if err != nil {
		return err
	}
	defer cli.Close()

	execCfg := types.ExecConfig{
		Cmd:          []string{"bash", "-c", "pkill -HUP apache2 || apachectl graceful"},
		AttachStdout: true,
		AttachStderr: true,
	}
	execID, err := cli.ContainerExecCreate(ctx, containerName, execCfg)
	if err != nil {
		return fmt.Errorf("reload %s: %w", containerName, err)
	}
	resp, err := cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return fmt.Errorf("reload %s: %w", containerName, err)
	}
	defer resp.Close()
	io.Copy(io.Discard, resp.Reader)
	return nil
}
