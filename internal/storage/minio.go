package storage

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aegis-storage")

// ChunkStore is the durable object store for transcoded evidence
// segments. Keys are prefixed per incident (incidents/{id}/{seq}.ts) so
// the hard-delete sweep can purge one incident in bulk.
type ChunkStore struct {
	client     *minio.Client
	bucketName string
	baseURL    string
}

// NewChunkStore initializes the MinIO-backed chunk store and ensures
// the bucket exists.
func NewChunkStore(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*ChunkStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	scheme := "http"
	if useSSL {
		scheme = "https"
	}

	cs := &ChunkStore{
		client:     client,
		bucketName: bucketName,
		baseURL:    fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucketName),
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		log.Info().Str("bucket", bucketName).Msg("creating bucket")
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return cs, nil
}

// UploadChunkFile uploads a transcoded segment from a local file and
// returns its public URL.
func (cs *ChunkStore) UploadChunkFile(ctx context.Context, objectKey, filePath string) (string, error) {
	ctx, span := tracer.Start(ctx, "chunkstore.upload",
		trace.WithAttributes(attribute.String("object_key", objectKey)),
	)
	defer span.End()

	_, err := cs.client.FPutObject(ctx, cs.bucketName, objectKey, filePath, minio.PutObjectOptions{
		ContentType: "video/mp2t",
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to upload chunk: %w", err)
	}

	span.SetAttributes(attribute.Bool("upload_success", true))
	return fmt.Sprintf("%s/%s", cs.baseURL, objectKey), nil
}

// RemovePrefix deletes every object under the given key prefix. Used by
// the hard-delete sweep to wipe one incident's evidence.
func (cs *ChunkStore) RemovePrefix(ctx context.Context, prefix string) error {
	ctx, span := tracer.Start(ctx, "chunkstore.remove_prefix",
		trace.WithAttributes(attribute.String("prefix", prefix)),
	)
	defer span.End()

	objects := cs.client.ListObjects(ctx, cs.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	for errInfo := range cs.client.RemoveObjects(ctx, cs.bucketName, objects, minio.RemoveObjectsOptions{}) {
		if errInfo.Err != nil {
			span.RecordError(errInfo.Err)
			return fmt.Errorf("failed to remove object %s: %w", errInfo.ObjectName, errInfo.Err)
		}
	}

	return nil
}
