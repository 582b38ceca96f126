// Package dockerengine adapts moby/moby/client to the
// containerdriver.Driver contract, in the same connection-and-option-
// struct idiom the teacher repo's Docker client wraps.
package dockerengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/neult/oken/internal/containerdriver"
	"github.com/neult/oken/internal/containerdriver/recipe"
)

// Client wraps a moby/moby API client as a containerdriver.Driver.
type Client struct {
	api *client.Client
}

var _ containerdriver.Driver = (*Client)(nil)

// New connects to the Docker daemon at dockerSock, which is either a
// unix socket path or a tcp://host:port endpoint.
func New(dockerSock string) (*Client, error) {
	var opts []client.Opt
	if strings.HasPrefix(dockerSock, "tcp://") || strings.HasPrefix(dockerSock, "tcps://") {
		opts = append(opts, client.WithHost(dockerSock))
	} else {
		opts = append(opts,
			client.WithHost("unix://"+dockerSock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", dockerSock, 30*time.Second)
					},
				},
			}),
		)
	}
	api, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}
	return &Client{api: api}, nil
}

func (c *Client) Close() error { return c.api.Close() }

// EnsureNetwork creates the bridge network if it isn't already present.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	list, err := c.api.NetworkList(ctx, client.NetworkListOptions{
		Filters: make(client.Filters).Add("name", name),
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}
	for _, n := range list {
		if n.Name == name {
			return nil
		}
	}
	_, err = c.api.NetworkCreate(ctx, name, client.NetworkCreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}
	return nil
}

// BuildImage writes the Dockerfile and wrapper for bc into codeDir, then
// streams the build context to the daemon.
func (c *Client) BuildImage(ctx context.Context, codeDir, imageTag string, bc recipe.BuildContext) (string, error) {
	if err := recipe.Write(codeDir, bc); err != nil {
		return "", err
	}

	tarCtx, err := archiveDir(codeDir)
	if err != nil {
		return "", fmt.Errorf("archiving build context: %w", err)
	}

	resp, err := c.api.ImageBuild(ctx, tarCtx, client.ImageBuildOptions{
		Tags:       []string{imageTag},
		Remove:     true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("starting image build: %w", err)
	}
	defer resp.Body.Close()

	var logs bytes.Buffer
	if _, err := io.Copy(&logs, resp.Body); err != nil {
		return logs.String(), fmt.Errorf("reading build output: %w", err)
	}
	if strings.Contains(logs.String(), `"error"`) {
		return logs.String(), fmt.Errorf("image build reported an error")
	}
	return logs.String(), nil
}

// StartContainer removes any pre-existing container of the same name,
// then creates and starts a fresh one labeled with agentID.
func (c *Client) StartContainer(ctx context.Context, agentID, containerName, imageTag, networkName string, env map[string]string) (string, error) {
	existing, err := c.api.ContainerInspect(ctx, containerName, client.ContainerInspectOptions{})
	if err == nil {
		_, _ = c.api.ContainerRemove(ctx, existing.Container.ID, client.ContainerRemoveOptions{Force: true})
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	cfg := &container.Config{
		Image:  imageTag,
		Env:    envList,
		Labels: map[string]string{containerdriver.AgentLabel: agentID},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(networkName),
	}
	netCfg := &network.NetworkingConfig{}

	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             containerName,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	if _, err := c.api.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("starting container: %w", err)
	}
	return resp.ID, nil
}

// StopContainer stops and removes containerID, tolerating NotFound.
func (c *Client) StopContainer(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	timeout := 5
	if _, err := c.api.ContainerStop(ctx, containerID, client.ContainerStopOptions{Timeout: &timeout}); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("stopping container: %w", err)
		}
		return nil
	}
	if _, err := c.api.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// CleanupImage removes an image by tag, tolerating NotFound.
func (c *Client) CleanupImage(ctx context.Context, imageTag string) error {
	if _, err := c.api.ImageRemove(ctx, imageTag, client.ImageRemoveOptions{Force: true, PruneChildren: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing image: %w", err)
	}
	return nil
}

// CleanupOrphans removes every container carrying containerdriver.AgentLabel.
func (c *Client) CleanupOrphans(ctx context.Context) (int, error) {
	list, err := c.api.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("label", containerdriver.AgentLabel),
	})
	if err != nil {
		return 0, fmt.Errorf("listing orphaned containers: %w", err)
	}
	count := 0
	for _, item := range list.Items {
		if _, err := c.api.ContainerRemove(ctx, item.ID, client.ContainerRemoveOptions{Force: true}); err == nil {
			count++
		}
	}
	return count, nil
}
