package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/logger"
	"smallbiznis-economy/pkg/minio"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const objectScheme = "s3://"

// ObjectSigner turns a stored object into a download URL.
type ObjectSigner interface {
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

type File struct {
	Reference string `json:"reference"`
	URL       string `json:"url"`
}

// Sender hands resolved files to the user over the chat channel.
type Sender interface {
	Send(ctx context.Context, userID, bundleID string, files []File) error
}

var Module = fx.Module("delivery.service", fx.Provide(NewService))

type Service struct {
	signer ObjectSigner
	sender Sender
	expiry time.Duration
}

type ServiceParams struct {
	fx.In
	Config *config.Config
	Sender Sender
	Signer *minio.Presigner `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{sender: p.Sender, expiry: p.Config.Economy.Delivery.URLExpiry}
	if p.Signer != nil {
		s.signer = p.Signer
	}
	if s.expiry <= 0 {
		s.expiry = time.Hour
	}
	return s
}

// NewWithSigner builds a Service around an explicit signer.
func NewWithSigner(signer ObjectSigner, sender Sender, expiry time.Duration) *Service {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Service{signer: signer, sender: sender, expiry: expiry}
}

// Resolve maps bundle references to files. s3://bucket/key references are
// presigned; anything else is passed through as is.
func (s *Service) Resolve(ctx context.Context, references []string) ([]File, error) {
	files := make([]File, 0, len(references))
	for _, ref := range references {
		if !strings.HasPrefix(ref, objectScheme) {
			files = append(files, File{Reference: ref, URL: ref})
			continue
		}
		if s.signer == nil {
			return nil, fmt.Errorf("cannot presign %s: object storage not configured", ref)
		}

		bucket, key, ok := strings.Cut(strings.TrimPrefix(ref, objectScheme), "/")
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed object reference %q", ref)
		}
		u, err := s.signer.PresignGet(ctx, bucket, key, s.expiry)
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", ref, err)
		}
		files = append(files, File{Reference: ref, URL: u})
	}
	return files, nil
}

// Deliver resolves the bundle and sends it to the user.
func (s *Service) Deliver(ctx context.Context, userID, bundleID string, references []string) error {
	files, err := s.Resolve(ctx, references)
	if err != nil {
		logger.FromContext(ctx).Error("failed to resolve bundle", zap.String("bundle_id", bundleID), zap.Error(err))
		return err
	}
	if err := s.sender.Send(ctx, userID, bundleID, files); err != nil {
		return fmt.Errorf("send bundle %s: %w", bundleID, err)
	}
	logger.FromContext(ctx).Info("bundle delivered", zap.String("user_id", userID), zap.String("bundle_id", bundleID), zap.Int("files", len(files)))
	return nil
}
