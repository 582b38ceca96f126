// Package recipe synthesizes the Dockerfile and wrapper script that back
// an agent's image build, translating the agent's parsed config and
// classified launch shape into the build context the container driver
// hands to the daemon.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/neult/oken/internal/agent"
)

const wrapperFilename = "_oken_wrapper.py"

// wrapperScript is the FastAPI shim that exposes a handler function or
// an Agent class over HTTP for the two non-HTTP launch shapes. An agent
// that embeds its own HTTP server (agent.HTTP) never gets this file —
// its own entrypoint is run directly.
const wrapperScript = `import asyncio
import importlib.util
import os
import sys

from fastapi import FastAPI
import uvicorn

app = FastAPI()

ENTRYPOINT = os.environ.get("OKEN_ENTRYPOINT", "main.py")
ENTRY_TYPE = os.environ.get("OKEN_ENTRY_TYPE", "handler")

module_path = f"/app/{ENTRYPOINT}"
spec = importlib.util.spec_from_file_location("agent_module", module_path)
module = importlib.util.module_from_spec(spec)
sys.modules["agent_module"] = module
spec.loader.exec_module(module)

if ENTRY_TYPE == "handler":
    handler_fn = getattr(module, "handler", None) or getattr(module, "main", None)
    if handler_fn is None:
        raise RuntimeError(f"No handler or main function found in {ENTRYPOINT}")

    @app.post("/invoke")
    async def invoke(request: dict):
        result = handler_fn(request.get("input", {}))
        if asyncio.iscoroutine(result):
            result = await result
        return {"output": result}

elif ENTRY_TYPE == "agent":
    AgentClass = next(
        (obj for name, obj in vars(module).items() if isinstance(obj, type) and "Agent" in name),
        None,
    )
    if AgentClass is None:
        raise RuntimeError(f"No Agent class found in {ENTRYPOINT}")
    agent_instance = AgentClass()
    if hasattr(agent_instance, "setup"):
        setup_result = agent_instance.setup()
        if asyncio.iscoroutine(setup_result):
            asyncio.get_event_loop().run_until_complete(setup_result)

    @app.post("/invoke")
    async def invoke(request: dict):
        result = agent_instance.run(request.get("input", {}))
        if asyncio.iscoroutine(result):
            result = await result
        return {"output": result}

@app.get("/health")
async def health():
    return {"status": "ok"}

if __name__ == "__main__":
    port = int(os.environ.get("PORT", "8080"))
    uvicorn.run(app, host="0.0.0.0", port=port)
`

// BuildContext holds the inputs needed to render an agent's Dockerfile.
type BuildContext struct {
	BaseImagePrefix string
	ContainerPort   int
	Config          agent.Config
	EntrypointType  agent.EntrypointType
}

// Write renders the Dockerfile (and, for non-HTTP launch shapes, the
// wrapper script) into codeDir, ready for the build step to hand the
// directory to the daemon as a build context.
func Write(codeDir string, bc BuildContext) error {
	dockerfile := dockerfileFor(bc)
	if err := os.WriteFile(filepath.Join(codeDir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return fmt.Errorf("writing Dockerfile: %w", err)
	}
	if bc.EntrypointType != agent.HTTP {
		if err := os.WriteFile(filepath.Join(codeDir, wrapperFilename), []byte(wrapperScript), 0o644); err != nil {
			return fmt.Errorf("writing wrapper script: %w", err)
		}
	}
	return nil
}

func dockerfileFor(bc BuildContext) string {
	baseImage := fmt.Sprintf("%s:bookworm-slim", bc.BaseImagePrefix)

	var cmd string
	if bc.EntrypointType == agent.HTTP {
		cmd = fmt.Sprintf(`CMD ["uv", "run", "python", %q]`, bc.Config.Entrypoint)
	} else {
		cmd = fmt.Sprintf(`CMD ["uv", "run", "python", %q]`, wrapperFilename)
	}

	return fmt.Sprintf(`FROM %s

WORKDIR /app

RUN uv python install %s

COPY pyproject.toml* uv.lock* requirements.txt* ./

RUN if [ -f pyproject.toml ]; then \
        uv sync --frozen 2>/dev/null || uv sync; \
    elif [ -f requirements.txt ]; then \
        uv init --python %s && uv add -r requirements.txt; \
    else \
        uv init --python %s; \
    fi

COPY . .

ENV OKEN_ENTRYPOINT=%q
ENV OKEN_ENTRY_TYPE=%q
ENV PORT=%q

EXPOSE %d
%s
`,
		baseImage,
		bc.Config.PythonVersion,
		bc.Config.PythonVersion, bc.Config.PythonVersion,
		bc.Config.Entrypoint,
		string(bc.EntrypointType),
		fmt.Sprintf("%d", bc.ContainerPort),
		bc.ContainerPort,
		cmd,
	)
}
