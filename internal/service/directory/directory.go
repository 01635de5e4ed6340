package directory

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"e2ee_core/internal/model"
	"e2ee_core/internal/repository/bundle"
	"e2ee_core/internal/utils/log"
)

// ErrUnknownUser is returned when no bundle was ever published for a user.
var ErrUnknownUser = errors.New("no bundle published for user")

// Service is the key-publication directory. Each Fetch hands out at most one
// one-time prekey, and never the same one twice.
type Service struct {
	repo *bundle.BundleRepo
}

func NewService(repo *bundle.BundleRepo) *Service {
	return &Service{repo: repo}
}

func (s *Service) Publish(ctx context.Context, b *model.PrekeyBundle) error {
	if err := s.repo.Upsert(ctx, b); err != nil {
		return err
	}
	log.Info("bundle published",
		zap.String("user_id", b.UserID),
		zap.Uint32("version", b.Version),
		zap.Int("one_time_prekeys", len(b.OneTimePrekeys)))
	return nil
}

func (s *Service) Fetch(ctx context.Context, userID string) (*model.PrekeyBundle, error) {
	b, err := s.repo.Take(ctx, userID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrUnknownUser
	}
	return b, nil
}
