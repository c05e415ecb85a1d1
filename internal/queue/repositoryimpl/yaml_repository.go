package repositoryimpl

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/storyguild/internal/queue"
	"github.com/kazz187/storyguild/pkg/cerr"
	"github.com/kazz187/storyguild/pkg/storage"
)

const (
	entriesPrefix = "queue/entries"
	statePath     = "queue/state.yaml"
)

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", entriesPrefix, id)
}

func (r *YAMLRepository) write(ctx context.Context, e *queue.Entry) error {
	data, err := yaml.Marshal(e)
	if err != nil {
		return cerr.WrapMarshalError("queue entry", err)
	}
	if err := r.storage.Write(ctx, path(e.ID), data); err != nil {
		return cerr.WrapStorageWriteError("queue entry", err)
	}
	return nil
}

func (r *YAMLRepository) Create(ctx context.Context, e *queue.Entry) error {
	exists, err := r.storage.Exists(ctx, path(e.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("queue entry", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "queue entry already exists", nil)
	}
	return r.write(ctx, e)
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*queue.Entry, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("queue entry", err)
	}
	var e queue.Entry
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, cerr.WrapUnmarshalError("queue entry", err)
	}
	return &e, nil
}

// List returns entries by position, then id.
func (r *YAMLRepository) List(ctx context.Context) ([]*queue.Entry, error) {
	paths, err := r.storage.List(ctx, entriesPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("queue entries", err)
	}

	var all []*queue.Entry
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var e queue.Entry
		if err := yaml.Unmarshal(data, &e); err != nil {
			continue
		}
		all = append(all, &e)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Position != all[j].Position {
			return all[i].Position < all[j].Position
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}

func (r *YAMLRepository) Update(ctx context.Context, e *queue.Entry) error {
	exists, err := r.storage.Exists(ctx, path(e.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("queue entry", err)
	}
	if !exists {
		return cerr.NewError(cerr.NotFound, "queue entry not found", nil)
	}
	return r.write(ctx, e)
}

func (r *YAMLRepository) Delete(ctx context.Context, id string) error {
	if err := r.storage.Delete(ctx, path(id)); err != nil {
		return cerr.WrapStorageDeleteError("queue entry", err)
	}
	return nil
}

// GetState returns a stopped state when none was saved yet.
func (r *YAMLRepository) GetState(ctx context.Context) (*queue.State, error) {
	data, err := r.storage.Read(ctx, statePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &queue.State{}, nil
		}
		return nil, cerr.WrapStorageReadError("queue state", err)
	}
	var s queue.State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, cerr.WrapUnmarshalError("queue state", err)
	}
	return &s, nil
}

func (r *YAMLRepository) SaveState(ctx context.Context, s *queue.State) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return cerr.WrapMarshalError("queue state", err)
	}
	if err := r.storage.Write(ctx, statePath, data); err != nil {
		return cerr.WrapStorageWriteError("queue state", err)
	}
	return nil
}
