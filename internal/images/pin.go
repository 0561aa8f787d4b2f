// pin.go resolves mutable image tags to content digests.
package images

import (
	"context"
	"fmt"
	"strings"

	"github.com/distribution/reference"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/opencontainers/go-digest"
)

// DigestFunc returns the manifest digest of a reference.
type DigestFunc func(ctx context.Context, ref string) (string, error)

// PinnerOptions configure registry access.
type PinnerOptions struct {
	Keychain authn.Keychain
	// Resolve overrides the registry lookup.
	Resolve DigestFunc
}

// Pinner rewrites tag references into name@digest references.
type Pinner struct {
	resolve DigestFunc
}

func NewPinner(opts PinnerOptions) *Pinner {
	if opts.Resolve != nil {
		return &Pinner{resolve: opts.Resolve}
	}
	keychain := opts.Keychain
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}
	return &Pinner{resolve: func(ctx context.Context, ref string) (string, error) {
		return crane.Digest(ref, crane.WithContext(ctx), crane.WithAuthFromKeychain(keychain))
	}}
}

// Pin returns the digest-pinned form of ref. References that already carry a
// digest and ECR references are returned unchanged.
func (p *Pinner) Pin(ctx context.Context, ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse image %s: %w", ref, err)
	}
	if _, ok := named.(reference.Canonical); ok {
		return ref, nil
	}
	if IsECR(reference.Domain(named)) {
		return ref, nil
	}
	raw, err := p.resolve(ctx, reference.TagNameOnly(named).String())
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	dgst, err := digest.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("registry returned invalid digest for %s: %w", ref, err)
	}
	pinned, err := reference.WithDigest(reference.TrimNamed(named), dgst)
	if err != nil {
		return "", err
	}
	return reference.FamiliarString(pinned), nil
}

// PinAll pins every reference and returns the original to pinned mapping.
func (p *Pinner) PinAll(ctx context.Context, refs []string) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		pinned, err := p.Pin(ctx, ref)
		if err != nil {
			return nil, err
		}
		out[ref] = pinned
	}
	return out, nil
}

// IsECR reports whether a registry host is an Amazon ECR registry.
func IsECR(host string) bool {
	host = strings.ToLower(host)
	return strings.Contains(host, ".dkr.ecr.") && (strings.HasSuffix(host, ".amazonaws.com") || strings.HasSuffix(host, ".amazonaws.com.cn"))
}
