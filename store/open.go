package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Backends carries what OpenDocuments may need besides the location string.
type Backends struct {
	// Drive serves the default "drive" location.
	Drive ContentStore
	// Ledger is reused for bolt:// when it points at the same file, since
	// bbolt allows a single open handle per file.
	Ledger     *BoltStore
	LedgerPath string
	// Minio supplies credentials for minio://; endpoint and bucket come from
	// the location.
	Minio MinioConfig
}

// OpenDocuments resolves a state location:
//
//	drive[:/dir]                   files on the destination drive (default)
//	file://dir                     local directory
//	bolt://path                    bbolt database
//	s3://bucket/prefix             AWS S3
//	minio://endpoint/bucket/prefix MinIO
//
// The returned close function is never nil.
func OpenDocuments(ctx context.Context, location string, b Backends) (Documents, func() error, error) {
	noop := func() error { return nil }
	scheme, rest, hasScheme := strings.Cut(location, "://")

	switch {
	case location == "" || location == "drive" || strings.HasPrefix(location, "drive:"):
		if b.Drive == nil {
			return nil, noop, fmt.Errorf("state location %q: no drive configured", location)
		}
		return NewDriveDocuments(b.Drive, strings.TrimPrefix(strings.TrimPrefix(location, "drive"), ":")), noop, nil

	case !hasScheme:
		return nil, noop, fmt.Errorf("state location %q: unknown form", location)

	case scheme == "file":
		d, err := NewFileDocuments(rest)
		return d, noop, err

	case scheme == "bolt":
		if b.Ledger != nil && samePath(rest, b.LedgerPath) {
			return b.Ledger, noop, nil
		}
		s, err := NewBoltStore(rest)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil

	case scheme == "s3":
		bucket, prefix, _ := strings.Cut(rest, "/")
		d, err := NewS3Documents(ctx, bucket, prefix)
		return d, noop, err

	case scheme == "minio":
		parts := strings.SplitN(rest, "/", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, noop, fmt.Errorf("state location %q: want minio://endpoint/bucket[/prefix]", location)
		}
		cfg := b.Minio
		cfg.Endpoint, cfg.Bucket = parts[0], parts[1]
		if len(parts) == 3 {
			cfg.Prefix = parts[2]
		}
		d, err := NewMinioDocuments(ctx, cfg)
		return d, noop, err
	}
	return nil, noop, fmt.Errorf("state location %q: unsupported scheme %q", location, scheme)
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}
