package adapter

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/interfaces"
)

// Archive writes conversation transcripts to a Cloud Storage bucket
type Archive struct {
	bucketName string
	client     *storage.Client
}

var _ interfaces.Archive = (*Archive)(nil)

// NewArchive creates a new Cloud Storage backed archive
func NewArchive(ctx context.Context, bucketName string) (*Archive, error) {
	if bucketName == "" {
		return nil, goerr.New("bucket name is required")
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &Archive{
		bucketName: bucketName,
		client:     client,
	}, nil
}

// Put returns a writer for the object at key. The object becomes visible when
// the writer is closed without error.
func (s *Archive) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	writer := s.client.Bucket(s.bucketName).Object(key).NewWriter(ctx)
	writer.ContentType = "application/json"
	return writer, nil
}

func (s *Archive) Close() error {
	return s.client.Close()
}
