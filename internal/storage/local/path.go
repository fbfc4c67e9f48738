package local

import (
	"path/filepath"
	"strings"
)

// PathConfig holds configuration for object path generation.
type PathConfig struct {
	// BasePath is the root directory of all cloud folders.
	BasePath string

	// ShardLevels is the number of directory levels for sharding.
	// Default: 2 (e.g., <folder>/ab/cd/abcdef...)
	ShardLevels int

	// ShardWidth is the number of characters per shard level.
	// Default: 2 (e.g., ab, cd)
	ShardWidth int
}

// DefaultPathConfig returns the default path configuration.
func DefaultPathConfig(basePath string) PathConfig {
	return PathConfig{
		BasePath:    basePath,
		ShardLevels: 2,
		ShardWidth:  2,
	}
}

// shardKey returns the characters of name that shard directories are cut from.
// Dashes of the leading file UUID are skipped so every level is hex.
func shardKey(name string) string {
	return strings.ReplaceAll(name, "-", "")
}

// ComputePath generates the storage path of an object within a cloud folder.
// Uses directory sharding on the object name to distribute files across directories.
//
// Example with default config (2 levels, 2 chars each):
//
//	name:   "abcdef12-....device.0.txt"
//	folder: "alice"
//	result: "<base>/alice/ab/cd/abcdef12-....device.0.txt"
func ComputePath(config PathConfig, folder, name string) string {
	components := make([]string, 0, config.ShardLevels+3)
	components = append(components, config.BasePath, folder)
	components = append(components, GetShardDirs(config, name)...)
	components = append(components, name)

	return filepath.Join(components...)
}

// GetShardDirs returns the shard directory components for an object name.
// Returns nil for names too short to shard.
//
// Example:
//
//	name:   "abcdef..."
//	result: ["ab", "cd"]
func GetShardDirs(config PathConfig, name string) []string {
	key := shardKey(name)
	if len(key) < config.ShardLevels*config.ShardWidth {
		return nil
	}

	dirs := make([]string, config.ShardLevels)
	offset := 0
	for i := 0; i < config.ShardLevels; i++ {
		dirs[i] = key[offset : offset+config.ShardWidth]
		offset += config.ShardWidth
	}

	return dirs
}

// GetShardPath returns the directory holding an object (without the filename).
// Useful for creating the directory structure before storing.
func GetShardPath(config PathConfig, folder, name string) string {
	return filepath.Dir(ComputePath(config, folder, name))
}
