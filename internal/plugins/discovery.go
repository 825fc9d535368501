// Package plugins discovers plugin manifests and wires their tools into the
// registry and their daemons into the process manager.
package plugins

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benhmoore/codeally/pkg/pluginsdk"
)

// ManifestInfo pairs a decoded manifest with the file it came from.
type ManifestInfo struct {
	Manifest *pluginsdk.Manifest
	Path     string
}

type manifestCacheEntry struct {
	expires   time.Time
	manifests map[string]ManifestInfo
}

var manifestCache = struct {
	mu      sync.Mutex
	entries map[string]manifestCacheEntry
}{
	entries: make(map[string]manifestCacheEntry),
}

const defaultManifestCacheTTL = 2 * time.Second

// DiscoverManifests scans the given files and directories for plugin
// manifests, keyed by plugin name. Every discovered manifest is validated;
// duplicate names across paths are an error.
func DiscoverManifests(paths []string) (map[string]ManifestInfo, error) {
	normalized := normalizeManifestPaths(paths)
	if cached, ok := cachedManifests(normalized); ok {
		return cached, nil
	}

	manifests := make(map[string]ManifestInfo)
	for _, root := range normalized {
		info, err := os.Stat(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat plugin path: %w", err)
		}
		if !info.IsDir() {
			entry, err := loadManifestFromPath(root)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				if err := registerManifest(manifests, *entry); err != nil {
					return nil, err
				}
			}
			continue
		}

		if err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || d.Name() != pluginsdk.ManifestFilename {
				return nil
			}
			manifest, err := pluginsdk.DecodeManifestFile(path)
			if err != nil {
				return fmt.Errorf("load manifest %s: %w", path, err)
			}
			return registerManifest(manifests, ManifestInfo{Manifest: manifest, Path: path})
		}); err != nil {
			return nil, fmt.Errorf("walk plugin path: %w", err)
		}
	}
	storeManifestCache(normalized, manifests)
	return manifests, nil
}

// LoadManifestForPath loads a manifest from a file or plugin directory.
func LoadManifestForPath(path string) (ManifestInfo, error) {
	entry, err := loadManifestFromPath(path)
	if err != nil {
		return ManifestInfo{}, err
	}
	if entry == nil {
		return ManifestInfo{}, fmt.Errorf("manifest not found at %s", path)
	}
	return *entry, nil
}

func loadManifestFromPath(path string) (*ManifestInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat manifest path: %w", err)
	}
	if !info.IsDir() {
		manifest, err := pluginsdk.DecodeManifestFile(path)
		if err != nil {
			return nil, fmt.Errorf("load manifest %s: %w", path, err)
		}
		return &ManifestInfo{Manifest: manifest, Path: path}, nil
	}

	manifestPath := filepath.Join(path, pluginsdk.ManifestFilename)
	if _, err := os.Stat(manifestPath); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat manifest %s: %w", manifestPath, err)
	}
	manifest, err := pluginsdk.DecodeManifestFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", manifestPath, err)
	}
	return &ManifestInfo{Manifest: manifest, Path: manifestPath}, nil
}

func registerManifest(manifests map[string]ManifestInfo, entry ManifestInfo) error {
	if entry.Manifest == nil {
		return fmt.Errorf("manifest is nil")
	}
	if err := entry.Manifest.Validate(); err != nil {
		return fmt.Errorf("manifest %s: %w", entry.Path, err)
	}
	name := entry.Manifest.Name
	if existing, ok := manifests[name]; ok {
		return fmt.Errorf("duplicate plugin %q (%s, %s)", name, existing.Path, entry.Path)
	}
	manifests[name] = entry
	return nil
}

func normalizeManifestPaths(paths []string) []string {
	seen := make(map[string]struct{})
	normalized := make([]string, 0, len(paths))
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		cleaned := filepath.Clean(trimmed)
		if _, ok := seen[cleaned]; ok {
			continue
		}
		seen[cleaned] = struct{}{}
		normalized = append(normalized, cleaned)
	}
	sort.Strings(normalized)
	return normalized
}

func cachedManifests(paths []string) (map[string]ManifestInfo, bool) {
	ttl := manifestCacheTTL()
	if ttl <= 0 || len(paths) == 0 {
		return nil, false
	}
	key := strings.Join(paths, "\n")

	now := time.Now()
	manifestCache.mu.Lock()
	defer manifestCache.mu.Unlock()
	entry, ok := manifestCache.entries[key]
	if ok && now.Before(entry.expires) {
		return cloneManifestMap(entry.manifests), true
	}
	if ok {
		delete(manifestCache.entries, key)
	}
	return nil, false
}

func storeManifestCache(paths []string, manifests map[string]ManifestInfo) {
	ttl := manifestCacheTTL()
	if ttl <= 0 || len(paths) == 0 {
		return
	}
	key := strings.Join(paths, "\n")

	manifestCache.mu.Lock()
	defer manifestCache.mu.Unlock()
	manifestCache.entries[key] = manifestCacheEntry{
		expires:   time.Now().Add(ttl),
		manifests: cloneManifestMap(manifests),
	}
}

func cloneManifestMap(src map[string]ManifestInfo) map[string]ManifestInfo {
	dst := make(map[string]ManifestInfo, len(src))
	for key, info := range src {
		dst[key] = info
	}
	return dst
}

func manifestCacheTTL() time.Duration {
	value := strings.TrimSpace(os.Getenv("CODEALLY_PLUGIN_MANIFEST_CACHE_MS"))
	if value == "" {
		return defaultManifestCacheTTL
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultManifestCacheTTL
	}
	if parsed <= 0 {
		return 0
	}
	return time.Duration(parsed) * time.Millisecond
}
