// Package artifact writes the published form of a page to object storage,
// where the renderer and CDN pick it up.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/deka641/vellum-sub001/internal/blocks"
	"github.com/deka641/vellum-sub001/internal/pages"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Document is the published page as the renderer reads it.
type Document struct {
	PageID      string         `json:"pageId"`
	SiteID      string         `json:"siteId"`
	Title       string         `json:"title"`
	PublishedAt *time.Time     `json:"publishedAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Blocks      []blocks.Block `json:"blocks"`
}

type objectStore interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

type Store struct {
	objects objectStore
	bucket  string
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Open connects to the endpoint and creates the bucket when missing.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &Store{objects: client, bucket: opts.Bucket}, nil
}

func ObjectKey(siteID, pageID string) string {
	if siteID == "" {
		siteID = "_"
	}
	return "sites/" + siteID + "/pages/" + pageID + ".json"
}

func DocumentFor(p pages.Page) Document {
	list := p.Blocks
	if list == nil {
		list = []blocks.Block{}
	}
	return Document{
		PageID:      p.ID,
		SiteID:      p.SiteID,
		Title:       p.Title,
		PublishedAt: p.PublishedAt,
		UpdatedAt:   p.UpdatedAt,
		Blocks:      list,
	}
}

// PutPublished overwrites the page's published document.
func (s *Store) PutPublished(ctx context.Context, p pages.Page) error {
	body, err := json.Marshal(DocumentFor(p))
	if err != nil {
		return fmt.Errorf("encode published page %s: %w", p.ID, err)
	}
	_, err = s.objects.PutObject(ctx, s.bucket, ObjectKey(p.SiteID, p.ID), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  "application/json",
		CacheControl: "no-cache",
	})
	if err != nil {
		return fmt.Errorf("upload published page %s: %w", p.ID, err)
	}
	return nil
}

// RemovePublished deletes the document. Removing a missing object succeeds.
func (s *Store) RemovePublished(ctx context.Context, siteID, pageID string) error {
	if err := s.objects.RemoveObject(ctx, s.bucket, ObjectKey(siteID, pageID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove published page %s: %w", pageID, err)
	}
	return nil
}
