// Package archive mirrors quarantined work items to S3 for operator review.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jupark12/pcr-intake/models"
	"github.com/rs/zerolog"
)

// Options selects the bucket and credentials
type Options struct {
	Bucket       string
	Prefix       string
	Region       string
	Profile      string
	UsePathStyle bool
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror uploads each quarantined PDF and its sidecar under
// <prefix><yyyy>/<mm>/<dd>/
type S3Mirror struct {
	client objectPutter
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewS3Mirror loads the default AWS credential chain for opts
func NewS3Mirror(ctx context.Context, opts Options, log zerolog.Logger) (*S3Mirror, error) {
	loaders := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loaders = append(loaders, awsconfig.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loaders = append(loaders, awsconfig.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.UsePathStyle
	})
	return newMirror(client, opts.Bucket, opts.Prefix, log), nil
}

func newMirror(client objectPutter, bucket, prefix string, log zerolog.Logger) *S3Mirror {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Mirror{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    log.With().Str("component", "s3_mirror").Logger(),
	}
}

// Upload copies the quarantined PDF and sidecar found in quarantineDir
func (m *S3Mirror) Upload(ctx context.Context, quarantineDir string, item models.QuarantineItem) error {
	day := item.Timestamp.Format("2006/01/02")

	files := []struct {
		name        string
		contentType string
	}{
		{item.QuarantinedName, "application/pdf"},
		{item.SidecarName, "text/plain; charset=utf-8"},
	}

	for _, f := range files {
		key := m.prefix + day + "/" + f.name
		if err := m.put(ctx, filepath.Join(quarantineDir, f.name), key, f.contentType); err != nil {
			return err
		}
	}

	m.log.Info().
		Str("bucket", m.bucket).
		Str("file", item.QuarantinedName).
		Msg("mirrored quarantined item")
	return nil
}

func (m *S3Mirror) put(ctx context.Context, path, key, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object to S3: %w", err)
	}
	return nil
}
