package queue

import "context"

type Repository interface {
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context) ([]*Entry, error)
	Update(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, id string) error

	GetState(ctx context.Context) (*State, error)
	SaveState(ctx context.Context, s *State) error
}
