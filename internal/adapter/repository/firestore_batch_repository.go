package repository

import (
	"context"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"castlemate/internal/domain/entity"
	"castlemate/internal/domain/repository"
	"castlemate/pkg/errors"
)

type firestoreBatchRepository struct {
	client *firestore.Client
}

func NewFirestoreBatchRepository(client *firestore.Client) repository.BatchRepository {
	return &firestoreBatchRepository{
		client: client,
	}
}

func (r *firestoreBatchRepository) GetByID(ctx context.Context, id string) (*entity.Batch, error) {
	doc, err := r.client.Collection("batches").Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.NotFound("Batch", nil)
		}
		return nil, errors.Internal("Failed to get batch", err)
	}

	var batch entity.Batch
	if err := doc.DataTo(&batch); err != nil {
		return nil, errors.Internal("Failed to parse batch data", err)
	}
	batch.ID = doc.Ref.ID

	return &batch, nil
}

func (r *firestoreBatchRepository) ListByCoachID(ctx context.Context, coachID string) ([]*entity.Batch, error) {
	return r.listByField(ctx, "coachId", "==", coachID)
}

func (r *firestoreBatchRepository) ListByStudentID(ctx context.Context, studentID string) ([]*entity.Batch, error) {
	return r.listByField(ctx, "studentIds", "array-contains", studentID)
}

func (r *firestoreBatchRepository) listByField(ctx context.Context, field, op string, value interface{}) ([]*entity.Batch, error) {
	docs, err := r.client.Collection("batches").Where(field, op, value).Documents(ctx).GetAll()
	if err != nil {
		return nil, errors.Internal("Failed to query batches", err)
	}

	var batches []*entity.Batch
	for _, doc := range docs {
		var batch entity.Batch
		if err := doc.DataTo(&batch); err != nil {
			continue
		}
		batch.ID = doc.Ref.ID
		batches = append(batches, &batch)
	}

	return batches, nil
}
