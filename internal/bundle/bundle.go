// Package bundle extracts an agent's gzip-tar upload into its workspace
// directory, rejecting any member that would escape it.
package bundle

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/neult/oken/internal/runnererr"
)

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateAgentID rejects empty, overlong, or non-alphanumeric agent ids
// before they're used to build a filesystem path.
func ValidateAgentID(agentID string) error {
	if agentID == "" {
		return runnererr.ConfigError("agent_id cannot be empty")
	}
	if len(agentID) > 128 {
		return runnererr.ConfigError("agent_id too long (max 128 characters)")
	}
	if !agentIDPattern.MatchString(agentID) {
		return runnererr.ConfigError("agent_id must contain only alphanumeric characters, hyphens, and underscores")
	}
	return nil
}

// Extract unpacks a gzip-compressed tar stream into workspace, refusing
// any member whose resolved path would land outside it. workspace is
// created if it doesn't already exist.
func Extract(r io.Reader, workspace string) error {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return runnererr.ConfigError("creating workspace: " + err.Error())
	}
	workspaceAbs, err := filepath.Abs(workspace)
	if err != nil {
		return runnererr.ConfigError("resolving workspace: " + err.Error())
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return runnererr.ConfigError("agent bundle is not a valid gzip stream: " + err.Error())
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return runnererr.ConfigError("reading agent bundle: " + err.Error())
		}
		if filepath.IsAbs(hdr.Name) {
			return runnererr.ConfigError("path traversal detected in agent bundle: " + hdr.Name)
		}
		target := filepath.Join(workspace, hdr.Name)
		targetAbs, err := filepath.Abs(target)
		if err != nil {
			return runnererr.ConfigError("resolving bundle member path: " + err.Error())
		}
		if targetAbs != workspaceAbs && !strings.HasPrefix(targetAbs, workspaceAbs+string(os.PathSeparator)) {
			return runnererr.ConfigError("path traversal detected in agent bundle: " + hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetAbs, 0o755); err != nil {
				return runnererr.ConfigError("creating directory from bundle: " + err.Error())
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetAbs), 0o755); err != nil {
				return runnererr.ConfigError("creating directory from bundle: " + err.Error())
			}
			if err := writeFile(tr, targetAbs, hdr.Mode); err != nil {
				return runnererr.ConfigError("writing file from bundle: " + err.Error())
			}
		default:
			// Symlinks, devices, etc. have no legitimate place in an
			// agent bundle; skip rather than fail the whole deploy.
		}
	}
}

func writeFile(r io.Reader, path string, mode int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(mode)&0o777|0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}
