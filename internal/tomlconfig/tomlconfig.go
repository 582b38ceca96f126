// Package tomlconfig parses an agent bundle's oken.toml into an
// agent.Config, using the same TOML library the rest of the corpus
// reaches for.
package tomlconfig

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/neult/oken/internal/agent"
	"github.com/neult/oken/internal/runnererr"
)

// document mirrors oken.toml's [agent] table. Fields use the TOML names
// verbatim rather than the agent.Config Go names.
type document struct {
	Agent struct {
		Name           string `toml:"name"`
		PythonVersion  string `toml:"python_version"`
		Entrypoint     string `toml:"entrypoint"`
		EntrypointType string `toml:"entrypoint_type"`
		WarmTimeout    int64  `toml:"warm_timeout"`
	} `toml:"agent"`
}

// Parse reads oken.toml from workspace and returns the agent.Config it
// describes, with defaults applied for everything the file omits.
func Parse(workspace string) (agent.Config, error) {
	path := filepath.Join(workspace, "oken.toml")
	if _, err := os.Stat(path); err != nil {
		return agent.Config{}, runnererr.ConfigError("oken.toml not found in agent bundle")
	}

	var doc document
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return agent.Config{}, runnererr.ConfigError("invalid oken.toml: " + err.Error())
	}

	if doc.Agent.Name == "" {
		return agent.Config{}, runnererr.ConfigError("oken.toml must specify agent.name")
	}

	entrypointType, err := parseEntrypointType(doc.Agent.EntrypointType)
	if err != nil {
		return agent.Config{}, err
	}

	cfg := agent.Config{
		Name:           doc.Agent.Name,
		PythonVersion:  doc.Agent.PythonVersion,
		Entrypoint:     doc.Agent.Entrypoint,
		EntrypointType: entrypointType,
	}
	if doc.Agent.WarmTimeout > 0 {
		cfg.WarmTimeout = time.Duration(doc.Agent.WarmTimeout) * time.Second
	}
	return cfg.WithDefaults(), nil
}

func parseEntrypointType(raw string) (agent.EntrypointType, error) {
	switch agent.EntrypointType(raw) {
	case agent.Unset, agent.Handler, agent.Class, agent.HTTP:
		return agent.EntrypointType(raw), nil
	default:
		return "", runnererr.ConfigError("oken.toml: invalid agent.entrypoint_type: " + raw)
	}
}
