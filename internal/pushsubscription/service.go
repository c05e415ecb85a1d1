package pushsubscription

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/storyguild/pkg/cerr"
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Register records a subscription. Registering a known endpoint again
// replaces its keys and keeps its id.
func (s *Service) Register(ctx context.Context, endpoint, p256dh, auth string) (*Subscription, error) {
	switch {
	case endpoint == "":
		return nil, cerr.NewError(cerr.InvalidArgument, "endpoint is required", nil)
	case p256dh == "":
		return nil, cerr.NewError(cerr.InvalidArgument, "p256dh_key is required", nil)
	case auth == "":
		return nil, cerr.NewError(cerr.InvalidArgument, "auth_key is required", nil)
	}

	existing, err := s.repo.FindByEndpoint(ctx, endpoint)
	switch {
	case err == nil:
		existing.P256dhKey = p256dh
		existing.AuthKey = auth
		if err := s.repo.Update(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	case !cerr.IsCode(err, cerr.NotFound):
		return nil, err
	}

	sub := &Subscription{
		ID:        ulid.Make().String(),
		Endpoint:  endpoint,
		P256dhKey: p256dh,
		AuthKey:   auth,
		CreatedAt: s.now(),
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) Unregister(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return cerr.NewError(cerr.InvalidArgument, "endpoint is required", nil)
	}
	return s.repo.DeleteByEndpoint(ctx, endpoint)
}

func (s *Service) List(ctx context.Context) ([]*Subscription, error) {
	return s.repo.List(ctx)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}
