package cache

import "github.com/pspitzner/beetsflask-sync/pkg/models"

// Predicate selects cache entries by their current identity.
type Predicate func(key models.FolderKey) bool

// Strict matches by hash only. Without a hash it falls back to matching the
// path, so hash-only entries with a different path are untouched.
func Strict(hash, path string) Predicate {
	if hash != "" {
		return func(k models.FolderKey) bool {
			return k.Hash == hash
		}
	}
	if path == "" {
		return nil
	}
	return func(k models.FolderKey) bool {
		return k.Path == path
	}
}

// Loose matches by hash or path. It is used when the folder's hash may not
// be known yet, e.g. right after the backend created the session.
func Loose(hash, path string) Predicate {
	if hash == "" && path == "" {
		return nil
	}
	return func(k models.FolderKey) bool {
		return (hash != "" && k.Hash == hash) || (path != "" && k.Path == path)
	}
}

// All matches every entry.
func All() Predicate {
	return func(models.FolderKey) bool { return true }
}
