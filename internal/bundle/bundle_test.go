package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/neult/oken/internal/runnererr"
)

func makeTarGz(t *testing.T, entries map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return &buf
}

func TestExtract_WritesFiles(t *testing.T) {
	ws := t.TempDir()
	data := makeTarGz(t, map[string]string{
		"oken.toml": "[agent]\nname = \"demo\"\n",
		"main.py":   "def handler(e): return e\n",
	})
	if err := Extract(data, ws); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(ws, "oken.toml"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(got) != "[agent]\nname = \"demo\"\n" {
		t.Errorf("unexpected content: %q", got)
	}
}

func TestExtract_RejectsAbsolutePathMember(t *testing.T) {
	ws := t.TempDir()
	data := makeTarGz(t, map[string]string{"/etc/passwd": "evil"})
	err := Extract(data, ws)
	assertConfigError(t, err)
}

func TestExtract_RejectsPathTraversal(t *testing.T) {
	ws := t.TempDir()
	data := makeTarGz(t, map[string]string{"../../etc/passwd": "evil"})
	err := Extract(data, ws)
	assertConfigError(t, err)
}

func TestExtract_RejectsNonGzip(t *testing.T) {
	ws := t.TempDir()
	err := Extract(bytes.NewReader([]byte("not gzip")), ws)
	assertConfigError(t, err)
}

func assertConfigError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	rerr, ok := runnererr.As(err)
	if !ok {
		t.Fatalf("expected *runnererr.Error, got %T: %v", err, err)
	}
	if rerr.Kind != runnererr.KindConfigError {
		t.Errorf("Kind = %q, want %q", rerr.Kind, runnererr.KindConfigError)
	}
}

func TestValidateAgentID(t *testing.T) {
	cases := []struct {
		id      string
		wantErr bool
	}{
		{"demo-agent_1", false},
		{"", true},
		{"has a space", true},
		{"has/slash", true},
		{string(make([]byte, 129)), true},
	}
	for _, c := range cases {
		err := ValidateAgentID(c.id)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateAgentID(%q) error = %v, wantErr %v", c.id, err, c.wantErr)
		}
	}
}
