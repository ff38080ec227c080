// Package attachments mints presigned S3 URLs so sealed attachment
// blobs move between clients and the object store without transiting
// the server. The server only records metadata.
package attachments

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/whisper2/server/internal/protocol"
	"github.com/whisper2/server/internal/store"
)

// Limits and lifetimes.
const (
	MaxAttachmentBytes = 50 * 1024 * 1024
	uploadTTL          = 15 * time.Minute
	downloadTTL        = 15 * time.Minute
)

// presigner is the slice of the S3 presign client the service uses;
// tests substitute a fake.
type presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedHTTPRequest, error)
}

// v4PresignedHTTPRequest mirrors the signer output fields the service
// reads.
type v4PresignedHTTPRequest struct {
	URL          string
	SignedHeader map[string][]string
}

// sdkPresigner adapts *s3.PresignClient to the narrow interface.
type sdkPresigner struct {
	pc *s3.PresignClient
}

func (p *sdkPresigner) PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedHTTPRequest, error) {
	req, err := p.pc.PresignPutObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedHTTPRequest{URL: req.URL, SignedHeader: req.SignedHeader}, nil
}

func (p *sdkPresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedHTTPRequest, error) {
	req, err := p.pc.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedHTTPRequest{URL: req.URL, SignedHeader: req.SignedHeader}, nil
}

// Service mints presigned URLs and records attachment metadata.
type Service struct {
	bucket string
	signer presigner
	store  store.Store
	now    func() time.Time
}

// New connects to S3 with the ambient AWS credential chain.
func New(ctx context.Context, bucket, region string, st store.Store) (*Service, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &Service{
		bucket: bucket,
		signer: &sdkPresigner{pc: s3.NewPresignClient(client)},
		store:  st,
		now:    time.Now,
	}, nil
}

// PresignUpload mints an upload URL for a fresh object key owned by the
// caller and records the metadata up front.
func (s *Service) PresignUpload(ctx context.Context, owner string, p *protocol.PresignUpload) (*protocol.PresignResult, error) {
	if p.Size <= 0 || p.Size > MaxAttachmentBytes {
		return nil, protocol.Rejectf(protocol.ErrInvalidPayload, "size: out of range")
	}
	objectKey := fmt.Sprintf("att/%s/%s", owner, uuid.New().String())

	req, err := s.signer.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		ContentType:   aws.String(p.ContentType),
		ContentLength: aws.Int64(p.Size),
	}, func(o *s3.PresignOptions) { o.Expires = uploadTTL })
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	if err := s.store.RecordAttachment(ctx, &store.Attachment{
		ObjectKey:   objectKey,
		Owner:       owner,
		ContentType: p.ContentType,
		SizeBytes:   p.Size,
		CreatedAt:   s.now(),
	}); err != nil {
		return nil, fmt.Errorf("record attachment: %w", err)
	}

	return &protocol.PresignResult{
		ObjectKey:   objectKey,
		URL:         req.URL,
		Headers:     flattenHeaders(req.SignedHeader),
		ExpiresAtMs: s.now().Add(uploadTTL).UnixMilli(),
	}, nil
}

// PresignDownload mints a download URL for a recorded object. Keys are
// unguessable and the blob is sealed end-to-end, so any authenticated
// holder of the exact key may fetch it.
func (s *Service) PresignDownload(ctx context.Context, p *protocol.PresignDownload) (*protocol.PresignResult, error) {
	if _, err := s.store.GetAttachment(ctx, p.ObjectKey); err == store.ErrNotFound {
		return nil, protocol.Rejectf(protocol.ErrNotFound, "unknown object key")
	} else if err != nil {
		return nil, fmt.Errorf("lookup attachment: %w", err)
	}

	req, err := s.signer.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(p.ObjectKey),
	}, func(o *s3.PresignOptions) { o.Expires = downloadTTL })
	if err != nil {
		return nil, fmt.Errorf("presign download: %w", err)
	}

	return &protocol.PresignResult{
		ObjectKey:   p.ObjectKey,
		URL:         req.URL,
		Headers:     flattenHeaders(req.SignedHeader),
		ExpiresAtMs: s.now().Add(downloadTTL).UnixMilli(),
	}, nil
}

func flattenHeaders(h map[string][]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
