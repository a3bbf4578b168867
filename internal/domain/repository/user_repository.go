package repository

import (
	"context"

	"castlemate/internal/domain/entity"
)

type UserRepository interface {
	GetByID(ctx context.Context, id string) (*entity.User, error)
	ListByIDs(ctx context.Context, ids []string) ([]*entity.User, error)
}

type BatchRepository interface {
	GetByID(ctx context.Context, id string) (*entity.Batch, error)
	ListByCoachID(ctx context.Context, coachID string) ([]*entity.Batch, error)
	ListByStudentID(ctx context.Context, studentID string) ([]*entity.Batch, error)
}
