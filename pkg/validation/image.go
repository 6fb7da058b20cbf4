// Package validation checks container image references before agent
// containers are created.
package validation

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Reference is a parsed container image reference.
type Reference struct {
	Registry   string
	Namespace  string
	Repository string
	Tag        string
	Digest     string
	IsOfficial bool
}

// String reassembles the reference in canonical form.
func (r *Reference) String() string {
	var b strings.Builder
	if r.Registry != "docker.io" {
		b.WriteString(r.Registry)
		b.WriteString("/")
	}
	if r.Namespace != "" && !(r.Registry == "docker.io" && r.Namespace == "library") {
		b.WriteString(r.Namespace)
		b.WriteString("/")
	}
	b.WriteString(r.Repository)
	if r.Digest != "" {
		b.WriteString("@")
		b.WriteString(r.Digest)
	} else if r.Tag != "" {
		b.WriteString(":")
		b.WriteString(r.Tag)
	}
	return b.String()
}

// Pinned reports whether the reference names an immutable digest.
func (r *Reference) Pinned() bool { return r.Digest != "" }

// Policy constrains which images the pool will run.
type Policy struct {
	// AllowedRegistries restricts images to these registries.
	// Empty allows any registry not explicitly blocked.
	AllowedRegistries []string

	// BlockedRegistries rejects images from these registries.
	BlockedRegistries []string

	// AllowLatestTag permits the mutable "latest" tag.
	AllowLatestTag bool

	// RequireDigest rejects references without a sha256 digest pin.
	RequireDigest bool
}

// DefaultPolicy permits any registry and the latest tag, matching the
// permissive behavior expected on a private agent network.
func DefaultPolicy() Policy {
	return Policy{AllowLatestTag: true}
}

var (
	tagPattern       = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	registryPattern  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.-]*[a-zA-Z0-9](:[0-9]+)?$`)
	namespacePattern = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)
	repoPattern      = regexp.MustCompile(`^[a-z0-9]+([._/-][a-z0-9]+)*$`)
)

// ParseReference splits an image reference into its components,
// defaulting the registry to docker.io and the tag to latest.
func ParseReference(image string) (*Reference, error) {
	if image == "" {
		return nil, fmt.Errorf("empty image reference")
	}
	if strings.ContainsAny(image, " \t\n") {
		return nil, fmt.Errorf("image reference contains whitespace: %q", image)
	}

	ref := &Reference{}
	rest := image

	if at := strings.Index(rest, "@"); at >= 0 {
		ref.Digest = rest[at+1:]
		rest = rest[:at]
		if err := validateDigest(ref.Digest); err != nil {
			return nil, err
		}
	}

	// A colon after the last slash is a tag; earlier ones belong to a
	// registry port.
	if colon := strings.LastIndex(rest, ":"); colon > strings.LastIndex(rest, "/") {
		ref.Tag = rest[colon+1:]
		rest = rest[:colon]
		if !tagPattern.MatchString(ref.Tag) {
			return nil, fmt.Errorf("invalid tag %q", ref.Tag)
		}
	}
	if ref.Tag == "" && ref.Digest == "" {
		ref.Tag = "latest"
	}

	switch parts := strings.Split(rest, "/"); len(parts) {
	case 1:
		ref.Registry = "docker.io"
		ref.Namespace = "library"
		ref.Repository = parts[0]
		ref.IsOfficial = true
	case 2:
		if looksLikeRegistry(parts[0]) {
			ref.Registry = parts[0]
			ref.Repository = parts[1]
		} else {
			ref.Registry = "docker.io"
			ref.Namespace = parts[0]
			ref.Repository = parts[1]
		}
	default:
		ref.Registry = parts[0]
		ref.Namespace = parts[1]
		ref.Repository = strings.Join(parts[2:], "/")
		if !looksLikeRegistry(parts[0]) {
			return nil, fmt.Errorf("invalid registry %q", parts[0])
		}
	}

	if !validRegistry(ref.Registry) {
		return nil, fmt.Errorf("invalid registry %q", ref.Registry)
	}
	if ref.Namespace != "" && !namespacePattern.MatchString(ref.Namespace) {
		return nil, fmt.Errorf("invalid namespace %q", ref.Namespace)
	}
	if ref.Repository == "" || len(ref.Repository) > 255 || !repoPattern.MatchString(ref.Repository) {
		return nil, fmt.Errorf("invalid repository %q", ref.Repository)
	}
	return ref, nil
}

// CheckImage parses image and validates it against policy.
func CheckImage(image string, policy Policy) (*Reference, error) {
	ref, err := ParseReference(image)
	if err != nil {
		return nil, err
	}

	for _, blocked := range policy.BlockedRegistries {
		if ref.Registry == blocked {
			return nil, fmt.Errorf("registry %s is blocked", ref.Registry)
		}
	}
	if len(policy.AllowedRegistries) > 0 {
		allowed := false
		for _, candidate := range policy.AllowedRegistries {
			if ref.Registry == candidate {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("registry %s is not in the allowed list", ref.Registry)
		}
	}

	if policy.RequireDigest && !ref.Pinned() {
		return nil, fmt.Errorf("image %s is not pinned to a digest", image)
	}
	if !policy.AllowLatestTag && ref.Tag == "latest" && !ref.Pinned() {
		return nil, fmt.Errorf("the latest tag is not allowed")
	}
	return ref, nil
}

func validateDigest(digest string) error {
	hexPart, ok := strings.CutPrefix(digest, "sha256:")
	if !ok {
		return fmt.Errorf("invalid digest %q: only sha256 is supported", digest)
	}
	if len(hexPart) != 64 {
		return fmt.Errorf("invalid sha256 digest length in %q", digest)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("invalid digest encoding in %q", digest)
	}
	return nil
}

func looksLikeRegistry(s string) bool {
	return s == "localhost" ||
		strings.HasPrefix(s, "localhost:") ||
		strings.Contains(s, ".") ||
		strings.Contains(s, ":")
}

func validRegistry(registry string) bool {
	if registry == "localhost" || strings.HasPrefix(registry, "localhost:") {
		return true
	}
	return registryPattern.MatchString(registry)
}
