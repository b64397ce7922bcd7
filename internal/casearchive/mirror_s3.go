package casearchive

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Mirror copies every successful CA write to an S3-compatible bucket on a
// best-effort basis. A mirror failure is logged by the caller as
// TRANSIENT_IO and never blocks or fails the canonical filesystem write;
// nothing ever reads back from the mirror.
type S3Mirror struct {
	uploader *manager.Uploader
	bucket   string
}

// NewS3Mirror builds an S3Mirror targeting bucket at the given endpoint,
// following the teacher's Hetzner-compatible S3 client construction.
func NewS3Mirror(ctx context.Context, endpoint, region, accessKey, secretKey, bucket string) (*S3Mirror, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}, nil
		})),
	)
	if err != nil {
		return nil, fmt.Errorf("loading s3 mirror configuration: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &S3Mirror{uploader: manager.NewUploader(client), bucket: bucket}, nil
}

// Upload satisfies the Mirror interface: it streams localPath's bytes to
// <caseID>/<relPath> in the mirror bucket, tagged with an MD5 digest for
// operator-side integrity spot-checks.
func (m *S3Mirror) Upload(caseID, relPath, localPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s for mirror upload: %w", localPath, err)
	}
	defer file.Close()

	digest, err := md5File(localPath)
	if err != nil {
		return fmt.Errorf("hashing %s for mirror upload: %w", localPath, err)
	}

	key := caseID + "/" + relPath
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(m.bucket),
		Key:      aws.String(key),
		Body:     file,
		Metadata: map[string]string{"md5": digest},
	})
	if err != nil {
		return fmt.Errorf("uploading %s to mirror bucket %s: %w", key, m.bucket, err)
	}
	return nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
