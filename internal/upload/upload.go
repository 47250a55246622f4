// Package upload issues presigned S3 PUT URLs so the agent can stage files
// without holding cloud credentials. Size is enforced by signing the
// Content-Length header; a mismatched upload fails signature validation.
package upload

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clawdbot/bouncer/internal/trust"
)

var (
	ErrExpiryTooLong = errors.New("presign expiry exceeds maximum")
	ErrBatchTooLarge = errors.New("batch exceeds file limit")
	ErrEmptyBatch    = errors.New("batch has no files")
)

// Options configures the service.
type Options struct {
	Bucket            string
	StagingPrefix     string
	BlockedExtensions []string
	MaxExpiry         time.Duration
	MaxBatchFiles     int
}

// PresignAPI is the presigner surface used.
type PresignAPI interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// HeadAPI is the object-existence surface used by confirmation.
type HeadAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// File describes one requested upload.
type File struct {
	Name        string
	ContentType string
	Size        int64
}

// Presigned is one issued URL.
type Presigned struct {
	URL       string
	Key       string
	URI       string
	ExpiresAt time.Time
}

// Service issues and confirms staged uploads.
type Service struct {
	presigner PresignAPI
	head      HeadAPI
	opts      Options
	now       func() time.Time
	newID     func() string
}

// New loads the ambient AWS configuration and returns the service.
func New(ctx context.Context, region string, opts Options) (*Service, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return NewWithClients(s3.NewPresignClient(client), client, opts), nil
}

// NewWithClients wires explicit clients. Tests use this.
func NewWithClients(presigner PresignAPI, head HeadAPI, opts Options) *Service {
	return &Service{
		presigner: presigner,
		head:      head,
		opts:      opts,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Presign issues one URL under a fresh staging key.
func (s *Service) Presign(ctx context.Context, f File, expiresIn time.Duration) (*Presigned, error) {
	if expiresIn <= 0 || expiresIn > s.opts.MaxExpiry {
		return nil, fmt.Errorf("%w: %s", ErrExpiryTooLong, expiresIn)
	}
	if err := trust.SafeUploadName(f.Name, s.opts.BlockedExtensions); err != nil {
		return nil, err
	}
	return s.presignKey(ctx, s.key(s.newID(), f.Name), f, expiresIn)
}

// PresignBatch issues URLs for up to MaxBatchFiles files sharing one
// batch id prefix. All-or-nothing: one bad filename fails the batch.
func (s *Service) PresignBatch(ctx context.Context, files []File, expiresIn time.Duration) (string, []Presigned, error) {
	if len(files) == 0 {
		return "", nil, ErrEmptyBatch
	}
	if len(files) > s.opts.MaxBatchFiles {
		return "", nil, fmt.Errorf("%w: %d files, limit %d", ErrBatchTooLarge, len(files), s.opts.MaxBatchFiles)
	}
	if expiresIn <= 0 || expiresIn > s.opts.MaxExpiry {
		return "", nil, fmt.Errorf("%w: %s", ErrExpiryTooLong, expiresIn)
	}
	for _, f := range files {
		if err := trust.SafeUploadName(f.Name, s.opts.BlockedExtensions); err != nil {
			return "", nil, fmt.Errorf("%s: %w", f.Name, err)
		}
	}

	batchID := s.newID()
	out := make([]Presigned, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			p, err := s.presignKey(gctx, s.key(batchID, f.Name), f, expiresIn)
			if err != nil {
				return err
			}
			out[i] = *p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", nil, err
	}
	return batchID, out, nil
}

// Confirm verifies which staged keys exist. Missing keys come back by name.
func (s *Service) Confirm(ctx context.Context, keys []string) (missing []string, err error) {
	for _, key := range keys {
		_, herr := s.head.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.opts.Bucket),
			Key:    aws.String(key),
		})
		if herr != nil {
			var nf *types.NotFound
			if errors.As(herr, &nf) {
				missing = append(missing, key)
				continue
			}
			return nil, fmt.Errorf("head %s: %w", key, herr)
		}
	}
	return missing, nil
}

// StagedKey resolves the object key a batch file was signed under. Used by
// upload confirmation when the caller passes names instead of full keys.
func (s *Service) StagedKey(batchID, name string) string {
	return s.key(batchID, name)
}

func (s *Service) key(id, name string) string {
	return path.Join(strings.Trim(s.opts.StagingPrefix, "/"), id, name)
}

func (s *Service) presignKey(ctx context.Context, key string, f File, expiresIn time.Duration) (*Presigned, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	}
	if f.ContentType != "" {
		input.ContentType = aws.String(f.ContentType)
	}
	if f.Size > 0 {
		input.ContentLength = aws.Int64(f.Size)
	}

	req, err := s.presigner.PresignPutObject(ctx, input, func(po *s3.PresignOptions) {
		po.Expires = expiresIn
	})
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", key, err)
	}
	return &Presigned{
		URL:       req.URL,
		Key:       key,
		URI:       "s3://" + s.opts.Bucket + "/" + key,
		ExpiresAt: s.now().Add(expiresIn),
	}, nil
}
