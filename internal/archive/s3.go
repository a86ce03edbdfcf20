// Package archive copies the canonical JSON form of each ingested payload
// (the same bytes stored in Bronze's payload_json) to durable object
// storage, best-effort and after commit, so the ingestion database is never
// the only durable copy of a submitted payload.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Archiver writes raw event payloads to S3 paths like:
//
//	s3://<bucket>/<prefix>/bronze/<tenant_id>/YYYY/MM/DD/<raw_id>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials are resolved
// from the environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET,
// etc.) via the default AWS config chain.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive: bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveRawEvent uploads the raw event's canonical payload JSON to S3,
// partitioned by tenant and the UTC date at the time of upload.
func (a *S3Archiver) ArchiveRawEvent(ctx context.Context, tenantID string, rawID int64, payload json.RawMessage) error {
	now := time.Now().UTC()
	year, month, day := now.Date()
	objectKey := path.Join(a.prefix, "bronze", tenantID,
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%d.json", rawID),
	)

	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(payload),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}
