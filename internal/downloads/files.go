package downloads

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"finch/internal/fileutil"
)

// FileMover moves a finished transfer into place, copying when source and
// target live on different filesystems.
func FileMover(sourcePath, targetPath string) error {
	return fileutil.Move(sourcePath, targetPath)
}

// destinationFor builds the local path for an item: one directory per server,
// file named by item ID with the container as extension.
func destinationFor(root string, src Source, itemID string) string {
	server := safeName(src.ServerID)
	if server == "" {
		server = "local"
	}
	name := safeName(itemID)
	if ext := safeName(strings.TrimPrefix(src.Metadata.Container, ".")); ext != "" {
		// Jellyfin reports multi-container sources as "mkv,webm"; take the first.
		if idx := strings.IndexByte(ext, ','); idx > 0 {
			ext = ext[:idx]
		}
		name += "." + ext
	}
	return filepath.Join(root, server, name)
}

func safeName(value string) string {
	value = strings.TrimSpace(value)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == ',':
			return r
		default:
			return '_'
		}
	}, value)
}

// removeIfPresent deletes path, treating a missing file as success.
func removeIfPresent(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
