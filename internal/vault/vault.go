// Package vault locates artwork payload files in the content-addressed
// vault directory, using a three-level SHA-256 prefix sharding scheme.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// Extensions lists the four vault file extensions in probe order, used by
// CandidatePaths when cleaning up a load-failed entry (all four candidates
// are probed). ExtensionForURL returns one of these values but does not
// consult this slice.
var Extensions = []string{".gif", ".png", ".jpg", ".webp"}

// ExtensionForURL returns the vault file extension for an artwork URL by
// scanning its suffix: ".gif", ".png", ".jpg"/".jpeg"
// map to ".jpg", ".webp", and anything else defaults to ".webp".
func ExtensionForURL(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".gif"):
		return ".gif"
	case strings.HasSuffix(lower, ".png"):
		return ".png"
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return ".jpg"
	case strings.HasSuffix(lower, ".webp"):
		return ".webp"
	default:
		return ".webp"
	}
}

// shardPrefix returns the three lowercase-hex byte pairs that form the
// sharded directory path for storageKey: sha256(storageKey)[0:3] as hex.
func shardPrefix(storageKey string) (a, b, c string) {
	sum := sha256.Sum256([]byte(storageKey))
	hexSum := hex.EncodeToString(sum[:3])
	return hexSum[0:2], hexSum[2:4], hexSum[4:6]
}

// Path returns the sharded vault file path for storageKey with ext
// (including the leading dot):
// "<vault_dir>/<hh>/<hh>/<hh>/<storage_key>.<ext>".
func Path(vaultDir, storageKey, ext string) string {
	a, b, c := shardPrefix(storageKey)
	return filepath.Join(vaultDir, a, b, c, storageKey+ext)
}

// Dir returns the sharded directory (without filename) that Path(storageKey, ...)
// would place its file in; callers use this to MkdirAll before writing.
func Dir(vaultDir, storageKey string) string {
	a, b, c := shardPrefix(storageKey)
	return filepath.Join(vaultDir, a, b, c)
}

// CandidatePaths returns the vault path for storageKey under each of the
// four known extensions, in Extensions order. Used to probe for an
// existing file of unknown extension, e.g. on load-failure cleanup, where
// all four candidate extensions are probed.
func CandidatePaths(vaultDir, storageKey string) []string {
	out := make([]string, len(Extensions))
	for i, ext := range Extensions {
		out[i] = Path(vaultDir, storageKey, ext)
	}
	return out
}
