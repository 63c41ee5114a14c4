package repository

import (
	"context"

	"github.com/immxrtalbeast/meetsignal/internal/domain"
)

type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id string) (*domain.Room, error)
	Delete(ctx context.Context, room *domain.Room) error
	List(ctx context.Context) ([]*domain.Room, error)
}

type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByConnection(ctx context.Context, connectionID string) (*domain.User, error)
	Delete(ctx context.Context, id string) error
}
