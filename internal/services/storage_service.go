// internal/services/storage_service.go
package services

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/bizmarket-backend/internal/config"
)

// StorageService archives raw provider webhook payloads for compliance. Without
// AWS credentials it is a no-op.
type StorageService struct {
	s3Client s3iface.S3API
	bucket   string
}

func NewStorageService(cfg config.AWSConfig) (*StorageService, error) {
	if cfg.AccessKeyID == "" || cfg.ArchiveBucket == "" {
		// Return service without S3 for local development
		return &StorageService{}, nil
	}

	// Create AWS session
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewStorageServiceWithClient(s3.New(sess), cfg.ArchiveBucket), nil
}

func NewStorageServiceWithClient(client s3iface.S3API, bucket string) *StorageService {
	return &StorageService{s3Client: client, bucket: bucket}
}

// ArchiveWebhook stores a raw webhook body under source/date/reference. It is
// best-effort: errors are logged and the webhook is still processed.
func (s *StorageService) ArchiveWebhook(ctx context.Context, source, reference string, payload []byte) {
	if s == nil || s.s3Client == nil {
		return
	}

	key := s.archiveKey(source, reference, time.Now().UTC())
	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(payload),
		ContentType:          aws.String("application/json"),
		ContentLength:        aws.Int64(int64(len(payload))),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"source":    source,
			"reference": reference,
			"key":       key,
		}).Warn("Failed to archive webhook payload")
	}
}

func (s *StorageService) archiveKey(source, reference string, now time.Time) string {
	if reference == "" {
		reference = "unknown"
	}
	return fmt.Sprintf("webhooks/%s/%s/%s/%s.json", source, now.Format("2006/01/02"), reference, uuid.NewString())
}
