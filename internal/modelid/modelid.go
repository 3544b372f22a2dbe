package modelid

import (
	"fmt"
	"path/filepath"
	"strings"
)

// dirSeparator joins org and repo in the on-disk directory name. Ids may not
// contain it, so Directory and FromDirName are exact inverses.
const dirSeparator = "--"

const maxLen = 96

// Key is a validated "org/repo" model identifier.
type Key struct {
	org  string
	repo string
}

// InvalidKeyError reports a raw identifier that is not of the "org/repo" form.
type InvalidKeyError struct {
	Raw    string // The identifier as supplied by the caller
	Reason string // Human-readable explanation of what is wrong with it
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid model id %q: %s", e.Raw, e.Reason)
}

// Parse validates raw and returns the Key it names.
func Parse(raw string) (Key, error) {
	if raw == "" {
		return Key{}, &InvalidKeyError{Raw: raw, Reason: "empty"}
	}

	if len(raw) > maxLen {
		return Key{}, &InvalidKeyError{Raw: raw, Reason: fmt.Sprintf("longer than %d characters", maxLen)}
	}

	if strings.Count(raw, "/") != 1 {
		return Key{}, &InvalidKeyError{Raw: raw, Reason: "must contain exactly one '/'"}
	}

	org, repo, _ := strings.Cut(raw, "/")

	for _, part := range []string{org, repo} {
		if err := validatePart(part); err != "" {
			return Key{}, &InvalidKeyError{Raw: raw, Reason: err}
		}
	}

	return Key{org: org, repo: repo}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(raw string) Key {
	k, err := Parse(raw)
	if err != nil {
		panic(err)
	}

	return k
}

func validatePart(part string) string {
	if part == "" {
		return "org and repo must not be empty"
	}

	if strings.Contains(part, dirSeparator) || strings.Contains(part, "..") {
		return "'--' and '..' are not allowed"
	}

	if part[0] == '-' || part[0] == '.' || part[len(part)-1] == '-' || part[len(part)-1] == '.' {
		return "must not start or end with '-' or '.'"
	}

	for _, r := range part {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Sprintf("character %q is not allowed", r)
		}
	}

	return ""
}

func (k Key) Org() string  { return k.org }
func (k Key) Repo() string { return k.repo }

// IsZero reports whether k was never parsed.
func (k Key) IsZero() bool { return k.org == "" && k.repo == "" }

func (k Key) String() string {
	return k.org + "/" + k.repo
}

// DirName is the name of the key's directory under the cache root.
func (k Key) DirName() string {
	return k.org + dirSeparator + k.repo
}

// FromDirName maps a cache directory name back to its Key.
func FromDirName(name string) (Key, error) {
	org, repo, ok := strings.Cut(name, dirSeparator)
	if !ok {
		return Key{}, &InvalidKeyError{Raw: name, Reason: "not a cache directory name"}
	}

	return Parse(org + "/" + repo)
}

// Resolver maps keys to directories under a single root.
type Resolver struct {
	Root string
}

func NewResolver(root string) *Resolver {
	return &Resolver{Root: filepath.Clean(root)}
}

// Directory returns the absolute-or-root-relative directory holding k's files.
func (r *Resolver) Directory(k Key) string {
	return filepath.Join(r.Root, k.DirName())
}
