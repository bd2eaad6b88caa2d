// Package discover walks a repository tree snapshot, classifies files,
// applies size/type policy, and emits artifact descriptors plus a
// deletion set for paths that disappeared since the previous pass.
package discover

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/quarrydev/quarry/pkg/types"
)

// Result summarizes one discovery pass.
type Result struct {
	Candidates    int
	CatalogedOnly int
	Failed        int
	Skipped       int
	TotalBytes    int64

	// Deleted holds paths seen on the previous pass but absent now,
	// sorted for deterministic downstream cleanup.
	Deleted []string

	// Errors holds per-entry walk errors; they never abort the pass.
	Errors []string
}

// Discoverer produces artifact descriptors for a repository snapshot.
type Discoverer struct {
	filter *Filter
	logger *slog.Logger
}

// New creates a Discoverer.
func New(filter *Filter, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{filter: filter, logger: logger}
}

// Discover walks root and invokes emit for every file, in walk order.
// previous is the set of relative paths recorded by the prior pass; the
// difference becomes the deletion set. An unreadable file yields an
// artifact with ParseStatusFailed for that file only. emit returning an
// error aborts the pass (used for cancellation by callers).
func (d *Discoverer) Discover(
	ctx context.Context,
	root, repository, branch, revision string,
	previous map[string]struct{},
	emit func(*types.Artifact) error,
) (*Result, error) {
	result := &Result{}
	seen := make(map[string]struct{}, len(previous))

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			result.Errors = append(result.Errors, walkErr.Error())
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if entry.IsDir() {
			if path != root && d.filter.SkipDir(entry.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if d.filter.SkipPath(relPath) {
			result.Skipped++
			return nil
		}

		artifact := d.describe(path, relPath, repository, branch, revision, result)
		seen[relPath] = struct{}{}
		return emit(artifact)
	})
	if err != nil {
		return result, err
	}

	for path := range previous {
		if _, ok := seen[path]; !ok {
			result.Deleted = append(result.Deleted, path)
		}
	}
	sort.Strings(result.Deleted)

	d.logger.Info("discovery pass complete",
		"repository", repository,
		"branch", branch,
		"candidates", result.Candidates,
		"cataloged_only", result.CatalogedOnly,
		"failed", result.Failed,
		"deleted", len(result.Deleted),
	)

	return result, nil
}

// describe builds the artifact descriptor for one file.
func (d *Discoverer) describe(path, relPath, repository, branch, revision string, result *Result) *types.Artifact {
	artifact := &types.Artifact{
		Repository:       repository,
		Branch:           branch,
		Path:             relPath,
		Kind:             d.filter.KindOf(relPath),
		LastSeenRevision: revision,
	}

	info, err := os.Stat(path)
	if err != nil {
		artifact.ParseStatus = types.ParseStatusFailed
		result.Failed++
		result.Errors = append(result.Errors, err.Error())
		return artifact
	}
	artifact.SizeBytes = info.Size()
	result.TotalBytes += info.Size()

	if d.filter.CatalogOnly(artifact.Kind, artifact.SizeBytes) {
		artifact.ParseStatus = types.ParseStatusCatalogedOnly
		result.CatalogedOnly++
		return artifact
	}

	fingerprint, binary, err := fingerprintFile(path)
	switch {
	case err != nil:
		artifact.ParseStatus = types.ParseStatusFailed
		result.Failed++
		result.Errors = append(result.Errors, err.Error())
	case binary:
		// Content sniff overrides extension classification.
		artifact.Kind = types.KindBinary
		artifact.ParseStatus = types.ParseStatusCatalogedOnly
		result.CatalogedOnly++
	default:
		artifact.Fingerprint = fingerprint
		artifact.ParseStatus = types.ParseStatusParsed
		result.Candidates++
	}
	return artifact
}

// fingerprintFile hashes the whole file and sniffs its leading bytes for
// binary content in a single read.
func fingerprintFile(path string) (fingerprint string, binary bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = f.Close() }()

	sample := make([]byte, sniffSize)
	n, err := io.ReadFull(f, sample)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", false, err
	}
	sample = sample[:n]

	if IsBinary(sample) {
		return "", true, nil
	}

	h := sha256.New()
	h.Write(sample)
	if _, err := io.Copy(h, f); err != nil {
		return "", false, err
	}
	return hex.EncodeToString(h.Sum(nil)), false, nil
}
