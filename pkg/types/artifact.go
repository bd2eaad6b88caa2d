package types

import "time"

// ArtifactKind classifies a discovered file by its content type.
type ArtifactKind string

const (
	KindCode   ArtifactKind = "code"
	KindConfig ArtifactKind = "config"
	KindDoc    ArtifactKind = "doc"
	KindPDF    ArtifactKind = "pdf"
	KindBinary ArtifactKind = "binary"
	KindOther  ArtifactKind = "other"
)

// ParseStatus records how far an artifact made it through ingestion.
type ParseStatus string

const (
	// ParseStatusParsed means the artifact was chunked and indexed.
	ParseStatusParsed ParseStatus = "parsed"
	// ParseStatusCatalogedOnly means only path and metadata were recorded;
	// the artifact produced no chunks (oversize or binary content).
	ParseStatusCatalogedOnly ParseStatus = "cataloged-only"
	// ParseStatusFailed means the artifact could not be read or decoded.
	ParseStatusFailed ParseStatus = "failed"
)

// Artifact is one discovered file at a point in repository history.
// It is keyed by (Repository, Branch, Path) and recreated on every
// discovery pass.
type Artifact struct {
	Repository string
	Branch     string
	Path       string

	SizeBytes   int64
	Kind        ArtifactKind
	ParseStatus ParseStatus

	// Fingerprint is the SHA-256 hex digest of the whole file content.
	// Unchanged fingerprints short-circuit re-chunking.
	Fingerprint string

	// LastSeenRevision is the repository revision the artifact was last
	// observed at. Informational; identity is path-based.
	LastSeenRevision string

	LastIndexedAt time.Time
}

// Key returns the (repository, branch) pair the artifact belongs to.
func (a *Artifact) Key() RepoBranch {
	return RepoBranch{Repository: a.Repository, Branch: a.Branch}
}

// Chunkable reports whether the artifact is a candidate for chunking.
func (a *Artifact) Chunkable() bool {
	return a.ParseStatus == ParseStatusParsed
}
