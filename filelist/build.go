package filelist

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"

	"projsync/crypto"
	"projsync/logging"
)

// ChecksumCache memoizes content checksums keyed by root, path, size and modification time.
type ChecksumCache interface {
	LookupChecksum(rootKey, path string, size int64, modTime time.Time) (string, bool, error)
	StoreChecksum(rootKey, path string, size int64, modTime time.Time, checksum string) error
}

// BuildOptions controls local snapshot construction.
type BuildOptions struct {
	// RootKey scopes cache entries to one shared root.
	RootKey string
	// Cache is optional; without it every file is hashed.
	Cache ChecksumCache
	// Paths restricts the snapshot to the listed paths when non-empty.
	Paths []string
	// Logger receives cache failures; they never fail the build.
	Logger *zap.Logger
}

// Build walks fs and returns a snapshot of every folder and regular file,
// skipping symlinks and the MetadataDir.
func Build(ctx context.Context, fs billy.Filesystem, options BuildOptions) (*FileList, error) {
	var entries []Entry
	options.Logger = logging.OrDefault(options.Logger)

	if len(options.Paths) > 0 {
		for _, p := range options.Paths {
			entry, ok, err := statEntry(fs, p, options)
			if err != nil {
				return nil, err
			}
			if ok {
				entries = append(entries, entry)
			}
		}
		return New(entries...)
	}

	if err := walk(ctx, fs, "", options, &entries); err != nil {
		return nil, err
	}
	return New(entries...)
}

func walk(ctx context.Context, fs billy.Filesystem, dir string, options BuildOptions, entries *[]Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	infos, err := fs.ReadDir(dirOrRoot(dir))
	if err != nil {
		return fmt.Errorf("read dir %q: %w", dir, err)
	}

	for _, info := range infos {
		rel := path.Join(dir, info.Name())
		if dir == "" && info.Name() == MetadataDir {
			continue
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			continue
		case info.IsDir():
			*entries = append(*entries, Entry{Path: rel + DirSeparator})
			if err := walk(ctx, fs, rel, options, entries); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			checksum, err := checksumFor(fs, rel, info, options)
			if err != nil {
				return err
			}
			*entries = append(*entries, Entry{Path: rel, Size: info.Size(), Checksum: checksum})
		}
	}
	return nil
}

func statEntry(fs billy.Filesystem, p string, options BuildOptions) (Entry, bool, error) {
	normalized, err := normalizePath(p)
	if err != nil {
		return Entry{}, false, err
	}
	info, err := fs.Stat(normalized)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("stat %q: %w", normalized, err)
	}
	if info.IsDir() {
		return Entry{Path: normalized}, true, nil
	}
	checksum, err := checksumFor(fs, normalized, info, options)
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Path: normalized, Size: info.Size(), Checksum: checksum}, true, nil
}

func checksumFor(fs billy.Filesystem, rel string, info os.FileInfo, options BuildOptions) (string, error) {
	if options.Cache != nil {
		checksum, ok, err := options.Cache.LookupChecksum(options.RootKey, rel, info.Size(), info.ModTime())
		switch {
		case err != nil:
			options.Logger.Warn("checksum cache lookup failed", logging.String("path", rel), logging.Err(err))
		case ok:
			return checksum, nil
		}
	}

	checksum, err := crypto.FileChecksum(fs, rel)
	if err != nil {
		return "", err
	}

	if options.Cache != nil {
		if err := options.Cache.StoreChecksum(options.RootKey, rel, info.Size(), info.ModTime(), checksum); err != nil {
			options.Logger.Warn("checksum cache store failed", logging.String("path", rel), logging.Err(err))
		}
	}
	return checksum, nil
}

func dirOrRoot(dir string) string {
	if dir == "" {
		return "/"
	}
	return dir
}
