package policy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Bundle is a set of rego modules plus the data document they read as input.data.
type Bundle struct {
	Ref     string
	Dir     string
	Data    map[string]any
	Modules map[string]string
}

// BuiltinRef selects the embedded guardrails.
const BuiltinRef = "builtin"

const (
	maxBundleBytes = 25 << 20
	dataFile       = "data.json"
)

//go:embed builtin/*.rego builtin/data.json
var builtinFS embed.FS

// Builtin returns the embedded guardrail bundle.
func Builtin() (*Bundle, error) {
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		return nil, err
	}
	b, err := bundleFromFS(sub)
	if err != nil {
		return nil, fmt.Errorf("builtin guardrails: %w", err)
	}
	b.Ref = BuiltinRef
	return b, nil
}

// LoadBundle resolves a directory, a .tar/.tgz file or an http(s) URL. An
// empty ref or "builtin" selects the embedded guardrails. Archives are read
// into memory; nothing is extracted to disk.
func LoadBundle(ctx context.Context, ref string) (*Bundle, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == BuiltinRef {
		return Builtin()
	}
	var (
		b   *Bundle
		err error
	)
	switch {
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		var raw []byte
		if raw, err = fetchBundle(ctx, ref); err == nil {
			b, err = bundleFromArchive(raw)
		}
	default:
		b, err = loadBundleFromPath(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", ref, err)
	}
	b.Ref = ref
	return b, nil
}

func loadBundleFromPath(p string) (*Bundle, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		b, err := bundleFromFS(os.DirFS(p))
		if err != nil {
			return nil, err
		}
		b.Dir = p
		return b, nil
	}
	switch strings.ToLower(filepath.Ext(p)) {
	case ".tar", ".tgz", ".gz":
	default:
		return nil, fmt.Errorf("unsupported bundle file %s (want a directory or .tar/.tgz)", p)
	}
	if info.Size() > maxBundleBytes {
		return nil, fmt.Errorf("bundle larger than %d bytes", maxBundleBytes)
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return bundleFromArchive(raw)
}

func fetchBundle(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch bundle: %s", resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > maxBundleBytes {
		return nil, fmt.Errorf("bundle larger than %d bytes", maxBundleBytes)
	}
	return raw, nil
}

// bundleFromFS collects every .rego file under fsys and the optional
// top-level data.json.
func bundleFromFS(fsys fs.FS) (*Bundle, error) {
	b := &Bundle{Modules: map[string]string{}}
	err := fs.WalkDir(fsys, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if name != dataFile && !isRego(name) {
			return nil
		}
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		return b.add(name, raw)
	})
	if err != nil {
		return nil, err
	}
	return b, b.check()
}

// bundleFromArchive reads a plain or gzipped tarball.
func bundleFromArchive(payload []byte) (*Bundle, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, errors.New("empty bundle")
	}
	var r io.Reader = bytes.NewReader(payload)
	if bytes.HasPrefix(payload, []byte{0x1f, 0x8b}) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	b := &Bundle{Modules: map[string]string{}}
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(strings.TrimPrefix(h.Name, "/"))
		if name == "." || strings.HasPrefix(name, "../") {
			return nil, fmt.Errorf("invalid archive entry %q", h.Name)
		}
		if name != dataFile && !isRego(name) {
			continue
		}
		raw, err := io.ReadAll(io.LimitReader(tr, maxBundleBytes))
		if err != nil {
			return nil, err
		}
		if err := b.add(name, raw); err != nil {
			return nil, err
		}
	}
	return b, b.check()
}

func (b *Bundle) add(name string, raw []byte) error {
	if name == dataFile {
		if err := json.Unmarshal(raw, &b.Data); err != nil {
			return fmt.Errorf("parse %s: %w", dataFile, err)
		}
		return nil
	}
	b.Modules[name] = string(raw)
	return nil
}

func (b *Bundle) check() error {
	if len(b.Modules) == 0 {
		return errors.New("bundle has no .rego modules")
	}
	return nil
}

// ModuleNames lists the bundle's modules in evaluation order.
func (b *Bundle) ModuleNames() []string {
	names := make([]string, 0, len(b.Modules))
	for name := range b.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isRego(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".rego")
}
