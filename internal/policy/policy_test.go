package policy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const denyTopics = `package lampstack.guardrails

deny[msg] {
  some id
  input.template.Resources[id].Type == input.data.blocked
  msg := {"code": "BLOCKED", "message": "blocked type", "subject": id}
}
`

func TestLoadBundle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, err := LoadBundle(ctx, "")
	if err != nil || b.Ref != BuiltinRef || len(b.Modules) == 0 {
		t.Fatalf("builtin bundle = %+v, %v", b, err)
	}

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "rules"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "rules", "topics.rego"), []byte(denyTopics), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data.json"), []byte(`{"blocked":"AWS::SNS::Topic"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	fromDir, err := LoadBundle(ctx, dir)
	if err != nil {
		t.Fatalf("LoadBundle(dir): %v", err)
	}
	if strings.Join(fromDir.ModuleNames(), ",") != "rules/topics.rego" || fromDir.Data["blocked"] != "AWS::SNS::Topic" {
		t.Fatalf("dir bundle = %+v", fromDir)
	}

	archive := filepath.Join(t.TempDir(), "bundle.tgz")
	if err := os.WriteFile(archive, tarball(t, map[string]string{
		"policy/topics.rego": denyTopics,
		"data.json":          `{"blocked":"AWS::SNS::Topic"}`,
		"README.md":          "ignored",
	}), 0o644); err != nil {
		t.Fatal(err)
	}
	fromTar, err := LoadBundle(ctx, archive)
	if err != nil {
		t.Fatalf("LoadBundle(tgz): %v", err)
	}
	if len(fromTar.Modules) != 1 || fromTar.Ref != archive {
		t.Fatalf("tar bundle = %+v", fromTar)
	}
	rep, err := Evaluate(ctx, fromTar, TemplateInput{Template: map[string]any{"Resources": map[string]any{
		"Alerts": map[string]any{"Type": "AWS::SNS::Topic"},
		"Queue":  map[string]any{"Type": "AWS::SQS::Queue"},
	}}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if rep.DenyCount != 1 || rep.Deny[0].Subject != "Alerts" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestLoadBundleRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, err := LoadBundle(ctx, t.TempDir()); err == nil || !strings.Contains(err.Error(), "no .rego modules") {
		t.Fatalf("empty dir: %v", err)
	}
	txt := filepath.Join(t.TempDir(), "policy.txt")
	if err := os.WriteFile(txt, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBundle(ctx, txt); err == nil {
		t.Fatalf("expected unsupported file error")
	}
	escape := filepath.Join(t.TempDir(), "evil.tar")
	if err := os.WriteFile(escape, tarball(t, map[string]string{"../x.rego": denyTopics}), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBundle(ctx, escape); err == nil {
		t.Fatalf("expected path escape to be rejected")
	}
}

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
