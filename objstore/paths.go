package objstore

import (
	"strings"

	"github.com/amialone/moderation/fault"
)

type Stage string

const (
	StagePending    Stage = "pending"
	StageApproved   Stage = "approved"
	StageQueued     Stage = "queued"
	StageThumbnails Stage = "thumbnails"
	// assets which exhausted their requeue attempts
	StageDeadLetter Stage = "deadletter"
)

func (s Stage) Prefix() string {
	return string(s) + "/"
}

// Ref identifies an asset parsed from a path.
type Ref struct {
	Stage   Stage
	Subject string
	AssetID string
}

// ValidSegment checks that s can be used as one path segment. "." and ".."
// are rejected since key cleaning would collapse them in to a neighbouring
// stage or subject.
func ValidSegment(s string) error {
	switch {
	case s == "", s == ".", s == "..":
		return fault.Validationf("invalid path segment: %q", s)
	case strings.ContainsAny(s, "/\\"):
		return fault.Validationf("invalid path segment: %q", s)
	}
	return nil
}

// ValidPath reports an error if any segment of path is not a ValidSegment.
func ValidPath(path string) error {
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if err := ValidSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

// BuildPath returns "{stage}/{subject}/{asset}", with ".ext" appended when ext
// is non-empty. Callers validate subject and asset with ValidSegment.
func BuildPath(stage Stage, subject, assetID, ext string) string {
	p := string(stage) + "/" + subject + "/" + assetID
	if ext != "" {
		p += "." + strings.TrimPrefix(ext, ".")
	}
	return p
}

// ParsePath extracts subject and asset from a path. With three or more
// segments the first is the stage; with exactly two, the stage is absent.
func ParsePath(path string) (Ref, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	var ref Ref
	switch {
	case len(parts) >= 3:
		ref = Ref{Stage: Stage(parts[0]), Subject: parts[1], AssetID: parts[2]}
	case len(parts) == 2:
		ref = Ref{Subject: parts[0], AssetID: parts[1]}
	default:
		return Ref{}, fault.Validationf("Invalid path format: %s", path)
	}
	for _, seg := range parts {
		if ValidSegment(seg) != nil {
			return Ref{}, fault.Validationf("Invalid path format: %s", path)
		}
	}
	return ref, nil
}

// BaseName strips a trailing extension from an asset id.
func BaseName(assetID string) string {
	if i := strings.LastIndex(assetID, "."); i > 0 {
		return assetID[:i]
	}
	return assetID
}
