package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"cloud.google.com/go/storage"
)

// GCSStore keeps originals as JSON objects at <Prefix>/<request id>.json.
type GCSStore struct {
	Client *storage.Client
	Bucket string
	Prefix string
}

func NewGCSStore(client *storage.Client, bucket, prefix string) *GCSStore {
	return &GCSStore{Client: client, Bucket: bucket, Prefix: prefix}
}

// ObjectName is where the original of requestId lives in the bucket.
func (s *GCSStore) ObjectName(requestId int) string {
	return path.Join(s.Prefix, fmt.Sprintf("%d.json", requestId))
}

func (s *GCSStore) LoadOriginal(ctx context.Context, requestId int) (models.Snapshot, error) {
	var snap models.Snapshot
	r, err := s.Client.Bucket(s.Bucket).Object(s.ObjectName(requestId)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return snap, models.ErrSnapshotNotFound
	}
	if err != nil {
		return snap, err
	}
	defer r.Close()
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode %s: %w", s.ObjectName(requestId), err)
	}
	return snap, nil
}

func (s *GCSStore) SaveOriginal(ctx context.Context, requestId int, snap models.Snapshot, source string) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	wc := s.Client.Bucket(s.Bucket).Object(s.ObjectName(requestId)).NewWriter(ctx)
	wc.ContentType = "application/json"
	wc.Metadata = map[string]string{
		"source":     source,
		"request_id": fmt.Sprintf("%d", requestId),
		"total":      snap.Total().String(),
	}
	if _, err := wc.Write(b); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}
