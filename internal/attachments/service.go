// Package attachments stores proposal file attachments in object storage,
// with the row-level metadata kept in Postgres.
package attachments

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"dealdesk/api/internal/store"
	"dealdesk/api/internal/util"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// AttachmentStore is the metadata side of attachment storage.
type AttachmentStore interface {
	InsertAttachment(ctx context.Context, item store.Attachment) error
	ListAttachments(ctx context.Context, proposalID string) ([]store.Attachment, error)
}

// Config carries the object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Service uploads attachment blobs to MinIO and records metadata rows.
type Service struct {
	client *minio.Client
	bucket string
	meta   AttachmentStore
}

// NewService connects to MinIO and ensures the bucket exists.
func NewService(ctx context.Context, cfg Config, meta AttachmentStore) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect minio: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}

	return &Service{client: client, bucket: cfg.Bucket, meta: meta}, nil
}

// Upload streams the blob into object storage, then records the metadata
// row. The storage key is server-assigned; client file names are metadata
// only and never touch the object path.
func (s *Service) Upload(ctx context.Context, proposalID, uploadedBy, fileName, contentType string, size int64, body io.Reader) (store.Attachment, error) {
	item := store.Attachment{
		ID:         util.NewID("att"),
		ProposalID: proposalID,
		FileName:   fileName,
		FileType:   contentType,
		UploadedBy: uploadedBy,
		Size:       size,
	}
	item.StorageKey = proposalID + "/" + item.ID

	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.bucket, item.StorageKey, body, size, opts); err != nil {
		return store.Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}
	if err := s.meta.InsertAttachment(ctx, item); err != nil {
		// best effort cleanup so the bucket does not accumulate orphans
		_ = s.client.RemoveObject(ctx, s.bucket, item.StorageKey, minio.RemoveObjectOptions{})
		return store.Attachment{}, err
	}
	return item, nil
}

// List returns attachment metadata for a proposal.
func (s *Service) List(ctx context.Context, proposalID string) ([]store.Attachment, error) {
	return s.meta.ListAttachments(ctx, proposalID)
}

// PresignDownload returns a short-lived URL for fetching the blob directly
// from object storage.
func (s *Service) PresignDownload(ctx context.Context, item store.Attachment, ttl time.Duration) (string, error) {
	params := make(url.Values)
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", item.FileName))
	u, err := s.client.PresignedGetObject(ctx, s.bucket, item.StorageKey, ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign attachment: %w", err)
	}
	return u.String(), nil
}
