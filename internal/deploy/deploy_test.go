package deploy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/neult/oken/internal/agent"
	"github.com/neult/oken/internal/containerdriver/recipe"
	"github.com/neult/oken/internal/events"
	"github.com/neult/oken/internal/logging"
	"github.com/neult/oken/internal/proxy"
	"github.com/neult/oken/internal/registry"
	"github.com/neult/oken/internal/runnererr"
)

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (systemClock) Since(t time.Time) time.Duration        { return time.Since(t) }

type fakeDriver struct {
	mu sync.Mutex

	buildErr   error
	buildLogs  string
	startErr   error
	startedIDs []string
	stoppedIDs []string
	cleanedTags []string
}

func (d *fakeDriver) EnsureNetwork(context.Context, string) error { return nil }

func (d *fakeDriver) BuildImage(context.Context, string, string, recipe.BuildContext) (string, error) {
	return d.buildLogs, d.buildErr
}

func (d *fakeDriver) StartContainer(_ context.Context, _ string, containerName, _, _ string, _ map[string]string) (string, error) {
	if d.startErr != nil {
		return "", d.startErr
	}
	id := "cid-" + containerName
	d.mu.Lock()
	d.startedIDs = append(d.startedIDs, id)
	d.mu.Unlock()
	return id, nil
}

func (d *fakeDriver) StopContainer(_ context.Context, id string) error {
	d.mu.Lock()
	d.stoppedIDs = append(d.stoppedIDs, id)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) CleanupImage(_ context.Context, tag string) error {
	d.mu.Lock()
	d.cleanedTags = append(d.cleanedTags, tag)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) CleanupOrphans(context.Context) (int, error) { return 0, nil }
func (d *fakeDriver) Close() error                                 { return nil }

func makeBundle(t *testing.T, okenToml, mainPy string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range map[string]string{"oken.toml": okenToml, "main.py": mainPy} {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	tw.Close()
	gz.Close()
	return &buf
}

func newTestPipeline(t *testing.T, driver *fakeDriver, px *proxy.Proxy) (*Pipeline, *registry.Registry) {
	t.Helper()
	clk := systemClock{}
	bus := events.New()
	reg := registry.New(driver, clk, logging.New(false), bus, time.Minute)
	settings := Settings{DataDir: t.TempDir(), DockerNetwork: "oken-agents", BaseImagePrefix: "ghcr.io/astral-sh/uv", ContainerPort: 8080}
	return New(reg, driver, px, bus, logging.New(false), clk, settings), reg
}

func TestDeploy_InvalidAgentID(t *testing.T) {
	driver := &fakeDriver{}
	px := proxy.New(8080, time.Second, time.Millisecond, systemClock{})
	p, reg := newTestPipeline(t, driver, px)

	data := makeBundle(t, "[agent]\nname=\"demo\"\n", "def handler(e): return e\n")
	_, err := p.Deploy(context.Background(), "a/b", data)
	rerr, ok := runnererr.As(err)
	if !ok || rerr.Kind != runnererr.KindConfigError {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if len(reg.List()) != 0 {
		t.Error("registry should be unchanged after a rejected agent_id")
	}
}

func TestDeploy_BuildFailureMarksErrorAndReturnsBuildFailed(t *testing.T) {
	driver := &fakeDriver{buildErr: errBuild, buildLogs: "Step 1/5...\nerror: boom"}
	px := proxy.New(8080, time.Second, time.Millisecond, systemClock{})
	p, reg := newTestPipeline(t, driver, px)

	data := makeBundle(t, "[agent]\nname=\"demo\"\n", "def handler(e): return e\n")
	_, err := p.Deploy(context.Background(), "demo1", data)

	rerr, ok := runnererr.As(err)
	if !ok || rerr.Kind != runnererr.KindBuildFailed {
		t.Fatalf("expected BuildFailed, got %v", err)
	}
	if rerr.Logs == "" {
		t.Error("expected build logs to be attached to the error")
	}
	s, ok := reg.Get("demo1")
	if !ok || s.Status != agent.Error {
		t.Fatalf("expected registry entry to be marked error, got %+v, %v", s, ok)
	}
	if len(driver.startedIDs) != 0 {
		t.Error("start should never be attempted after a build failure")
	}
}

func TestDeploy_StartFailureCleansUpImage(t *testing.T) {
	driver := &fakeDriver{startErr: errStart}
	px := proxy.New(8080, time.Second, time.Millisecond, systemClock{})
	p, reg := newTestPipeline(t, driver, px)

	data := makeBundle(t, "[agent]\nname=\"demo\"\n", "def handler(e): return e\n")
	_, err := p.Deploy(context.Background(), "demo2", data)

	rerr, ok := runnererr.As(err)
	if !ok || rerr.Kind != runnererr.KindContainerError {
		t.Fatalf("expected ContainerError, got %v", err)
	}
	s, _ := reg.Get("demo2")
	if s.Status != agent.Error {
		t.Errorf("expected registry entry marked error, got %+v", s)
	}
	if len(driver.cleanedTags) != 1 || driver.cleanedTags[0] != agent.ImageTag("demo2") {
		t.Errorf("expected image cleanup after start failure, got %v", driver.cleanedTags)
	}
}

func TestDeploy_ReadinessTimeoutReturnsStructuredError(t *testing.T) {
	driver := &fakeDriver{}
	// healthTimeout of 0 makes WaitForReady fail on its first check.
	px := proxy.New(1, time.Second, 0, systemClock{})
	p, reg := newTestPipeline(t, driver, px)

	data := makeBundle(t, "[agent]\nname=\"demo\"\n", "def handler(e): return e\n")
	result, err := p.Deploy(context.Background(), "demo3", data)
	if err != nil {
		t.Fatalf("readiness timeout must not be raised as an error, got %v", err)
	}
	if result.Status != agent.Error {
		t.Errorf("Status = %q, want error", result.Status)
	}
	s, _ := reg.Get("demo3")
	if s.Status != agent.Error {
		t.Errorf("registry entry should be marked error, got %+v", s)
	}
	if len(driver.stoppedIDs) != 1 {
		t.Errorf("expected the container to be stopped after readiness timeout, got %v", driver.stoppedIDs)
	}
}

func TestInvoke_NotFoundAndNotRunning(t *testing.T) {
	driver := &fakeDriver{}
	px := proxy.New(8080, time.Second, time.Millisecond, systemClock{})
	p, reg := newTestPipeline(t, driver, px)

	_, err := p.Invoke(context.Background(), "nope", map[string]any{})
	if rerr, ok := runnererr.As(err); !ok || rerr.Kind != runnererr.KindAgentNotFound {
		t.Fatalf("expected AgentNotFound, got %v", err)
	}

	reg.Register("pending1", agent.Config{WarmTimeout: time.Minute})
	_, err = p.Invoke(context.Background(), "pending1", map[string]any{})
	if rerr, ok := runnererr.As(err); !ok || rerr.Kind != runnererr.KindAgentNotRunning {
		t.Fatalf("expected AgentNotRunning, got %v", err)
	}
}

func TestRoundTrip_StopThenInvokeIsNotFound(t *testing.T) {
	driver := &fakeDriver{}
	px := proxy.New(8080, time.Second, time.Millisecond, systemClock{})
	p, reg := newTestPipeline(t, driver, px)

	reg.Register("rt1", agent.Config{WarmTimeout: time.Minute})
	reg.UpdateStatus("rt1", agent.Running, "")
	reg.UpdateContainer("rt1", "cid", "oken-rt1")

	if err := p.Stop(context.Background(), "rt1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_, err := p.Invoke(context.Background(), "rt1", map[string]any{})
	if rerr, ok := runnererr.As(err); !ok || rerr.Kind != runnererr.KindAgentNotFound {
		t.Fatalf("expected AgentNotFound after stop, got %v", err)
	}
}

var (
	errBuild = &staticErr{"build exploded"}
	errStart = &staticErr{"start exploded"}
)

type staticErr struct{ msg string }

func (e *staticErr) Error() string { return e.msg }
