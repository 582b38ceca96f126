// Package deploy orchestrates the pipeline that turns an uploaded agent
// bundle into a running container: validate, extract, parse, classify,
// build, start, wait for readiness, and mark the registry entry running
// — unwinding whatever compensation a failed step calls for.
package deploy

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/neult/oken/internal/agent"
	"github.com/neult/oken/internal/bundle"
	"github.com/neult/oken/internal/classify"
	"github.com/neult/oken/internal/clock"
	"github.com/neult/oken/internal/containerdriver"
	"github.com/neult/oken/internal/containerdriver/recipe"
	"github.com/neult/oken/internal/events"
	"github.com/neult/oken/internal/logging"
	"github.com/neult/oken/internal/metrics"
	"github.com/neult/oken/internal/proxy"
	"github.com/neult/oken/internal/registry"
	"github.com/neult/oken/internal/runnererr"
	"github.com/neult/oken/internal/tomlconfig"
)

// Settings is the subset of process configuration the pipeline needs.
type Settings struct {
	DataDir         string
	DockerNetwork   string
	BaseImagePrefix string
	ContainerPort   int
}

// Pipeline wires the registry, driver, and proxy into the deploy
// operation. It holds no state of its own beyond its collaborators.
type Pipeline struct {
	registry *registry.Registry
	driver   containerdriver.Driver
	proxy    *proxy.Proxy
	bus      *events.Bus
	log      *logging.Logger
	clock    clock.Clock
	settings Settings
}

// New creates a Pipeline.
func New(reg *registry.Registry, driver containerdriver.Driver, px *proxy.Proxy, bus *events.Bus, log *logging.Logger, clk clock.Clock, settings Settings) *Pipeline {
	return &Pipeline{registry: reg, driver: driver, proxy: px, bus: bus, log: log, clock: clk, settings: settings}
}

func (p *Pipeline) publish(kind events.Kind, agentID, message string) {
	p.bus.Publish(events.Event{Kind: kind, AgentID: agentID, Message: message, Timestamp: p.clock.Now()})
}

// Result is what a successful (or structurally-failed, see below)
// Deploy call returns to its caller.
type Result struct {
	AgentID  string
	Status   agent.Status
	Endpoint string
	Error    string
}

// Deploy runs the full pipeline for agentID against the gzip-tar stream
// in bundleData. A validation, extraction, parsing, classification,
// build, or start failure is returned as an error (callers map it via
// runnererr); a readiness failure is not an error — it's returned as a
// Result with Status = agent.Error, since the replica may still be
// recoverable and worth inspecting, per spec.md §7.
func (p *Pipeline) Deploy(ctx context.Context, agentID string, bundleData io.Reader) (Result, error) {
	log := p.log.WithAgent(agentID)
	timer := metrics.NewDeployTimer()

	if err := bundle.ValidateAgentID(agentID); err != nil {
		return Result{}, err
	}

	workspace := filepath.Join(p.settings.DataDir, "agents", agentID)
	if err := bundle.Extract(bundleData, workspace); err != nil {
		return Result{}, err
	}

	cfg, err := tomlconfig.Parse(workspace)
	if err != nil {
		return Result{}, err
	}
	log.Info("deploying agent", "name", cfg.Name)

	entrypointType := cfg.EntrypointType
	if entrypointType == agent.Unset {
		entrypointType, err = classify.Classify(workspace, cfg.Entrypoint)
		if err != nil {
			return Result{}, err
		}
		cfg.EntrypointType = entrypointType
	}

	if _, err := p.registry.Register(agentID, cfg); err != nil {
		return Result{}, runnererr.ConfigError(err.Error())
	}
	p.publish(events.KindRegistered, agentID, "")
	p.registry.UpdateStatus(agentID, agent.Building, "")
	p.publish(events.KindBuilding, agentID, "")

	imageTag := agent.ImageTag(agentID)
	logs, err := p.driver.BuildImage(ctx, workspace, imageTag, recipe.BuildContext{
		BaseImagePrefix: p.settings.BaseImagePrefix,
		ContainerPort:   p.settings.ContainerPort,
		Config:          cfg,
		EntrypointType:  entrypointType,
	})
	if err != nil {
		p.registry.UpdateStatus(agentID, agent.Error, err.Error())
		timer.ObserveFailure()
		p.publish(events.KindError, agentID, "build failed")
		return Result{}, runnererr.BuildFailed(err.Error(), logs)
	}

	containerName := agent.ContainerName(agentID)
	env := map[string]string{
		"OKEN_ENTRYPOINT": cfg.Entrypoint,
		"OKEN_ENTRY_TYPE": string(entrypointType),
		"PORT":            fmt.Sprintf("%d", p.settings.ContainerPort),
	}
	containerID, err := p.driver.StartContainer(ctx, agentID, containerName, imageTag, p.settings.DockerNetwork, env)
	if err != nil {
		p.registry.UpdateStatus(agentID, agent.Error, err.Error())
		if cleanupErr := p.driver.CleanupImage(ctx, imageTag); cleanupErr != nil {
			log.Warn("failed to clean up image after start failure", "error", cleanupErr)
		}
		timer.ObserveFailure()
		p.publish(events.KindError, agentID, "container start failed")
		return Result{}, runnererr.ContainerError(err.Error())
	}
	p.registry.UpdateContainer(agentID, containerID, containerName)

	if !p.proxy.WaitForReady(ctx, containerName) {
		p.registry.UpdateStatus(agentID, agent.Error, "agent failed to become ready within timeout")
		if err := p.driver.StopContainer(ctx, containerID); err != nil {
			log.Warn("failed to stop container after readiness timeout", "error", err)
		}
		timer.ObserveFailure()
		p.publish(events.KindError, agentID, "readiness timeout")
		return Result{
			AgentID: agentID,
			Status:  agent.Error,
			Error:   "agent failed to become ready within timeout",
		}, nil
	}

	p.registry.UpdateStatus(agentID, agent.Running, "")
	timer.ObserveSuccess()
	p.publish(events.KindRunning, agentID, "")

	return Result{
		AgentID:  agentID,
		Status:   agent.Running,
		Endpoint: agent.InvokeEndpoint(agentID),
	}, nil
}

// Stop removes agentID from the registry, stops its container, and
// cleans up its image.
func (p *Pipeline) Stop(ctx context.Context, agentID string) error {
	state, ok := p.registry.Unregister(agentID)
	if !ok {
		return runnererr.AgentNotFound(agentID)
	}
	if state.ContainerID != "" {
		if err := p.driver.StopContainer(ctx, state.ContainerID); err != nil {
			p.log.WithAgent(agentID).Warn("failed to stop container", "error", err)
		}
	}
	if err := p.driver.CleanupImage(ctx, agent.ImageTag(agentID)); err != nil {
		p.log.WithAgent(agentID).Warn("failed to clean up image", "error", err)
	}
	p.publish(events.KindStopped, agentID, "")
	return nil
}

// Invoke looks up agentID, requires it to be running, touches its
// last-invoked witness, and forwards payload through the proxy.
func (p *Pipeline) Invoke(ctx context.Context, agentID string, payload map[string]any) (map[string]any, error) {
	state, ok := p.registry.Get(agentID)
	if !ok {
		return nil, runnererr.AgentNotFound(agentID)
	}
	if state.Status != agent.Running || state.ContainerName == "" {
		return nil, runnererr.AgentNotRunning(agentID, string(state.Status))
	}

	p.registry.Touch(agentID)

	timer := metrics.NewInvocationTimer()
	out, err := p.proxy.Invoke(ctx, state.ContainerName, payload)
	if err != nil {
		timer.ObserveOutcome("error")
		return nil, err
	}
	timer.ObserveOutcome("ok")
	return out, nil
}
