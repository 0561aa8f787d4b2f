// File: internal/stack/hash.go
// Brief: Template digests for run state and change detection.

package stack

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Digest returns the sha256 digest of the template's canonical JSON
// (compact, keys sorted at every level).
func Digest(t *Template) (digest.Digest, error) {
	if t == nil {
		return "", fmt.Errorf("template is nil")
	}
	doc, err := t.Document()
	if err != nil {
		return "", err
	}
	return DocumentDigest(doc)
}

// DocumentDigest digests an arbitrary template document, e.g. one fetched
// from the engine, so it can be compared with Digest of a local template.
func DocumentDigest(doc map[string]any) (digest.Digest, error) {
	if doc == nil {
		return "", fmt.Errorf("document is nil")
	}
	raw, err := canonicalJSON(doc)
	if err != nil {
		return "", err
	}
	return digest.FromBytes(raw), nil
}
