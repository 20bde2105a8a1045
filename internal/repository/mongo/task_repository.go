package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
)

// TaskRepository implements repository.TaskRepository on a MongoDB collection.
type TaskRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewTaskRepository binds the repository to a collection.
func NewTaskRepository(collection *mongo.Collection) *TaskRepository {
	return &TaskRepository{collection: collection, now: func() time.Time { return time.Now().UTC() }}
}

type taskDocument struct {
	ID          string         `bson:"_id"`
	Type        string         `bson:"type"`
	TenantID    string         `bson:"tenant_id"`
	Status      string         `bson:"status"`
	Payload     map[string]any `bson:"payload,omitempty"`
	Result      map[string]any `bson:"result,omitempty"`
	Error       string         `bson:"error,omitempty"`
	ProcessorID string         `bson:"processor_id,omitempty"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
	ClaimedAt   *time.Time     `bson:"claimed_at,omitempty"`
	CompletedAt *time.Time     `bson:"completed_at,omitempty"`
}

func (d taskDocument) toDomain() *domain.Task {
	return &domain.Task{
		ID:          d.ID,
		Type:        d.Type,
		TenantID:    d.TenantID,
		Status:      domain.TaskStatus(d.Status),
		Payload:     normalizeDocument(d.Payload),
		Result:      normalizeDocument(d.Result),
		Error:       d.Error,
		ProcessorID: d.ProcessorID,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		ClaimedAt:   d.ClaimedAt,
		CompletedAt: d.CompletedAt,
	}
}

// EnsureIndexes creates the listing index used by ListPending.
func (r *TaskRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "type", Value: 1},
				{Key: "tenant_id", Value: 1},
				{Key: "status", Value: 1},
				{Key: "created_at", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "type", Value: 1},
				{Key: "status", Value: 1},
				{Key: "created_at", Value: 1},
			},
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("task repo: create indexes: %w", err)
	}
	return nil
}

// Create inserts a task. A duplicate id yields repository.ErrConflict.
func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	doc := taskDocument{
		ID:        task.ID,
		Type:      task.Type,
		TenantID:  task.TenantID,
		Status:    string(task.Status),
		Payload:   task.Payload,
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.UpdatedAt,
	}
	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("task repo: insert: %w", err)
	}
	return nil
}

// ListPending lists pending tasks of a type, oldest first.
func (r *TaskRepository) ListPending(ctx context.Context, taskType, tenantID string, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{"type": taskType, "status": string(domain.TaskStatusPending)}
	if tenantID != "" {
		filter["tenant_id"] = tenantID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("task repo: list pending: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []taskDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("task repo: decode: %w", err)
	}
	tasks := make([]*domain.Task, 0, len(docs))
	for _, d := range docs {
		tasks = append(tasks, d.toDomain())
	}
	return tasks, nil
}

// Claim flips pending -> claimed with FindOneAndUpdate guarded on status.
func (r *TaskRepository) Claim(ctx context.Context, id, processorID string) (bool, error) {
	now := r.now()
	filter := bson.M{"_id": id, "status": string(domain.TaskStatusPending)}
	update := bson.M{"$set": bson.M{
		"status":       string(domain.TaskStatusClaimed),
		"processor_id": processorID,
		"claimed_at":   now,
		"updated_at":   now,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc taskDocument
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("task repo: claim: %w", err)
	}
	return doc.ProcessorID == processorID, nil
}

// Complete stores the result of a claimed task.
func (r *TaskRepository) Complete(ctx context.Context, id string, result map[string]any) error {
	return r.finish(ctx, id, bson.M{
		"status": string(domain.TaskStatusCompleted),
		"result": result,
	})
}

// Fail records the error of a claimed task.
func (r *TaskRepository) Fail(ctx context.Context, id, reason string) error {
	return r.finish(ctx, id, bson.M{
		"status": string(domain.TaskStatusFailed),
		"error":  reason,
	})
}

func (r *TaskRepository) finish(ctx context.Context, id string, set bson.M) error {
	now := r.now()
	set["completed_at"] = now
	set["updated_at"] = now
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(domain.TaskStatusClaimed)},
		bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("task repo: finish: %w", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrClaimLost
	}
	return nil
}

// normalizeDocument turns nested bson documents and arrays into plain maps and slices.
func normalizeDocument(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.M:
		return normalizeDocument(t)
	case map[string]any:
		return normalizeDocument(t)
	case bson.A:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	}
	return v
}
