package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/petrijr/stepflow/pkg/api"
)

// BlobRunStore keeps one gob-encoded snapshot per object in a Go CDK
// bucket (file://, mem://, s3://, gs://, azblob://). The URL scheme's
// driver must be linked in by the caller.
//
// Buckets have no conditional writes, so ClaimRun is only atomic among
// callers sharing one BlobRunStore.
type BlobRunStore struct {
	mu     sync.Mutex
	bucket *blob.Bucket
	prefix string
}

var _ api.RunStore = (*BlobRunStore)(nil)

const blobSuffix = ".gob"

// OpenBlobRunStore opens the bucket at bucketURL. prefix is prepended to
// every object key and defaults to "runs/".
func OpenBlobRunStore(ctx context.Context, bucketURL, prefix string) (*BlobRunStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewBlobRunStore(bucket, prefix), nil
}

// NewBlobRunStore wraps an already opened bucket.
func NewBlobRunStore(bucket *blob.Bucket, prefix string) *BlobRunStore {
	if prefix == "" {
		prefix = "runs/"
	}
	return &BlobRunStore{bucket: bucket, prefix: prefix}
}

func (s *BlobRunStore) key(runID string) string {
	return s.prefix + runID + blobSuffix
}

func (s *BlobRunStore) SaveRun(ctx context.Context, snap *api.RunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, snap)
}

func (s *BlobRunStore) write(ctx context.Context, snap *api.RunSnapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.bucket.WriteAll(ctx, s.key(snap.RunID), data, nil); err != nil {
		return fmt.Errorf("write run %s: %w", snap.RunID, err)
	}
	return nil
}

func (s *BlobRunStore) GetRun(ctx context.Context, runID string) (*api.RunSnapshot, error) {
	data, err := s.bucket.ReadAll(ctx, s.key(runID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	return DecodeSnapshot(data)
}

func (s *BlobRunStore) ClaimRun(ctx context.Context, prev, next *api.RunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.GetRun(ctx, prev.RunID)
	if err != nil {
		return err
	}
	if !sameVersion(stored, prev) {
		return ErrRunConflict
	}
	return s.write(ctx, next)
}

func (s *BlobRunStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.RunSnapshot, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})

	var out []*api.RunSnapshot
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, blobSuffix) {
			continue
		}
		data, err := s.bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				continue
			}
			return nil, err
		}
		snap, err := DecodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		if matches(snap, filter) {
			out = append(out, snap)
		}
	}
	sortRuns(out)
	return out, nil
}

func (s *BlobRunStore) DeleteRun(ctx context.Context, runID string) error {
	err := s.bucket.Delete(ctx, s.key(runID))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return err
	}
	return nil
}

// Close releases the underlying bucket.
func (s *BlobRunStore) Close() error {
	return s.bucket.Close()
}
