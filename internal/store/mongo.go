package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/makeasinger/bulkgen/internal/logger"
	"github.com/makeasinger/bulkgen/internal/model"
)

// MongoConfig holds the connection settings for MongoStore
type MongoConfig struct {
	URI               string
	Database          string
	JobsCollection    string
	PromptsCollection string
	ConnectTimeout    time.Duration
}

var _ Store = (*MongoStore)(nil)

// MongoStore persists jobs and prompts in two MongoDB collections.
// All coordination goes through single-document conditional updates.
type MongoStore struct {
	client  *mongo.Client
	jobs    *mongo.Collection
	prompts *mongo.Collection
}

// NewMongoStore connects, pings and ensures indexes.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo connection URI is empty")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	clientOptions := options.Client().ApplyURI(cfg.URI).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetSocketTimeout(30 * time.Second)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &MongoStore{
		client:  client,
		jobs:    db.Collection(cfg.JobsCollection),
		prompts: db.Collection(cfg.PromptsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.App().WithField("database", cfg.Database).Info("Connected to MongoDB")
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.prompts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "instance_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create prompt indexes: %w", err)
	}
	_, err = s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create job indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateJob(ctx context.Context, job *model.Job, prompts []model.TestPrompt) error {
	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	if len(prompts) == 0 {
		return nil
	}

	docs := make([]interface{}, len(prompts))
	for i := range prompts {
		docs[i] = prompts[i]
	}
	if _, err := s.prompts.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		return fmt.Errorf("failed to insert prompts: %w", err)
	}
	return nil
}

func (s *MongoStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *MongoStore) ListJobs(ctx context.Context, q JobQuery) ([]model.Job, error) {
	filter := bson.M{}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := []model.Job{}
	if err := cur.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}
	return jobs, nil
}

func (s *MongoStore) UpdateJobStatus(ctx context.Context, id string, from []model.JobStatus, upd JobUpdate) (*model.Job, error) {
	now := time.Now().UTC()
	set := bson.M{"status": upd.Status, "updated_at": now}
	if upd.SetStartedAt {
		set["started_at"] = bson.M{"$ifNull": bson.A{"$started_at", now}}
	}
	if upd.SetCompletedAt {
		set["completed_at"] = now
	}
	pipeline := mongo.Pipeline{{{Key: "$set", Value: set}}}
	if upd.ClearCompletedAt {
		pipeline = append(pipeline, bson.D{{Key: "$unset", Value: "completed_at"}})
	}

	filter := bson.M{"_id": id, "status": bson.M{"$in": from}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var job model.Job
	err := s.jobs.FindOneAndUpdate(ctx, filter, pipeline, opts).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.missingOrConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	return &job, nil
}

func (s *MongoStore) missingOrConflict(ctx context.Context, id string) error {
	n, err := s.jobs.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to look up job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func (s *MongoStore) SetJobInstance(ctx context.Context, id, instanceID string) (*model.Job, error) {
	return s.updateJob(ctx, id, bson.M{"$set": bson.M{"instance_id": instanceID, "updated_at": time.Now().UTC()}})
}

func (s *MongoStore) SaveCounters(ctx context.Context, id string, c model.Counters) (*model.Job, error) {
	return s.updateJob(ctx, id, bson.M{"$set": bson.M{
		"counters":   c,
		"progress":   c.Progress(),
		"updated_at": time.Now().UTC(),
	}})
}

func (s *MongoStore) SetLastPrompt(ctx context.Context, jobID, promptID string) error {
	_, err := s.updateJob(ctx, jobID, bson.M{"$set": bson.M{"last_prompt_id": promptID}})
	return err
}

func (s *MongoStore) updateJob(ctx context.Context, id string, update bson.M) (*model.Job, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var job model.Job
	err := s.jobs.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	return &job, nil
}

func (s *MongoStore) GetPrompt(ctx context.Context, id string) (*model.TestPrompt, error) {
	var p model.TestPrompt
	err := s.prompts.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	return &p, nil
}

func (s *MongoStore) ListPrompts(ctx context.Context, q PromptQuery) ([]model.TestPrompt, error) {
	filter := bson.M{}
	if q.JobID != "" {
		filter["job_id"] = q.JobID
	}
	if len(q.Statuses) > 0 {
		filter["status"] = bson.M{"$in": q.Statuses}
	}
	if len(q.IDs) > 0 {
		filter["_id"] = bson.M{"$in": q.IDs}
	}
	opts := options.Find().SetSort(oldestFirst)
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := s.prompts.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	var prompts []model.TestPrompt
	if err := cur.All(ctx, &prompts); err != nil {
		return nil, fmt.Errorf("failed to decode prompts: %w", err)
	}
	return prompts, nil
}

var oldestFirst = bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}

func (s *MongoStore) CountPrompts(ctx context.Context, jobID string) (model.Counters, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"job_id": jobID}}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}}},
	}
	cur, err := s.prompts.Aggregate(ctx, pipeline)
	if err != nil {
		return model.Counters{}, fmt.Errorf("failed to count prompts: %w", err)
	}
	var rows []struct {
		Status model.PromptStatus `bson:"_id"`
		N      int                `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return model.Counters{}, fmt.Errorf("failed to decode prompt counts: %w", err)
	}

	var c model.Counters
	for _, r := range rows {
		c.Add(r.Status, r.N)
	}
	return c, nil
}

func (s *MongoStore) UpdatePrompts(ctx context.Context, jobID string, from []model.PromptStatus, upd PromptUpdate) (int64, error) {
	now := time.Now().UTC()
	set := bson.M{"status": upd.Status, "updated_at": now}
	update := bson.M{"$set": set}
	if upd.Error != "" {
		set["error"] = upd.Error
	}
	if upd.SetCompletedAt {
		set["completed_at"] = now
	}
	if upd.Reset {
		set["score_total"] = 0.0
		set["score_count"] = 0
		set["rating_total"] = 0.0
		set["rating_count"] = 0
		update["$unset"] = bson.M{
			"remote_job_id": "",
			"error":         "",
			"filename":      "",
			"file_url":      "",
			"output_files":  "",
			"started_at":    "",
			"completed_at":  "",
		}
	}

	res, err := s.prompts.UpdateMany(ctx, bson.M{"job_id": jobID, "status": bson.M{"$in": from}}, update)
	if err != nil {
		return 0, fmt.Errorf("failed to update prompts: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) ReassignPrompts(ctx context.Context, jobID string, statuses []model.PromptStatus, instanceID string) (int64, error) {
	res, err := s.prompts.UpdateMany(ctx,
		bson.M{"job_id": jobID, "status": bson.M{"$in": statuses}},
		bson.M{"$set": bson.M{"instance_id": instanceID, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign prompts: %w", err)
	}
	return res.ModifiedCount, nil
}

// processingJobs returns the id and pinned instance of every Processing job
func (s *MongoStore) processingJobs(ctx context.Context) ([]string, []string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1, "instance_id": 1})
	cur, err := s.jobs.Find(ctx, bson.M{"status": model.JobStatusProcessing}, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find processing jobs: %w", err)
	}
	var rows []struct {
		ID         string `bson:"_id"`
		InstanceID string `bson:"instance_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, nil, fmt.Errorf("failed to decode processing jobs: %w", err)
	}

	ids := make([]string, len(rows))
	instances := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
		instances[i] = r.InstanceID
	}
	return ids, instances, nil
}

func (s *MongoStore) ActiveInstances(ctx context.Context) ([]string, error) {
	ids, instances, err := s.processingJobs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.prompts.Distinct(ctx, "instance_id", bson.M{
		"job_id": bson.M{"$in": ids},
		"status": bson.M{"$in": []model.PromptStatus{model.PromptStatusPending, model.PromptStatusProcessing}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover instances: %w", err)
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(v string) {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range instances {
		add(v)
	}
	for _, v := range values {
		if str, ok := v.(string); ok {
			add(str)
		}
	}
	return out, nil
}

func (s *MongoStore) ClaimNextPrompt(ctx context.Context, instanceIDs ...string) (*model.TestPrompt, error) {
	if len(instanceIDs) == 0 {
		instanceIDs = []string{""}
	}
	ids, _, err := s.processingJobs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotClaimed
	}

	now := time.Now().UTC()
	filter := bson.M{
		"job_id":      bson.M{"$in": ids},
		"status":      model.PromptStatusPending,
		"instance_id": bson.M{"$in": instanceIDs},
	}
	update := bson.M{"$set": bson.M{
		"status":     model.PromptStatusProcessing,
		"started_at": now,
		"updated_at": now,
	}}
	opts := options.FindOneAndUpdate().SetSort(oldestFirst).SetReturnDocument(options.After)

	var p model.TestPrompt
	err = s.prompts.FindOneAndUpdate(ctx, filter, update, opts).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim prompt: %w", err)
	}
	return &p, nil
}

func (s *MongoStore) RevertPrompt(ctx context.Context, id string) (bool, error) {
	res, err := s.prompts.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.PromptStatusProcessing},
		bson.M{
			"$set":   bson.M{"status": model.PromptStatusPending, "updated_at": time.Now().UTC()},
			"$unset": bson.M{"started_at": "", "remote_job_id": ""},
		},
	)
	if err != nil {
		return false, fmt.Errorf("failed to revert prompt: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) SetRemoteJob(ctx context.Context, id, remoteJobID string) error {
	return s.updateProcessing(ctx, id, bson.M{"$set": bson.M{"remote_job_id": remoteJobID}})
}

func (s *MongoStore) CompletePrompt(ctx context.Context, id string, out model.PromptOutcome) error {
	now := time.Now().UTC()
	return s.updateProcessing(ctx, id, bson.M{
		"$set": bson.M{
			"status":       model.PromptStatusCompleted,
			"filename":     out.Filename,
			"file_url":     out.FileURL,
			"output_files": out.OutputFiles,
			"completed_at": now,
		},
		"$unset": bson.M{"error": ""},
	})
}

func (s *MongoStore) FailPrompt(ctx context.Context, id, message string) error {
	return s.updateProcessing(ctx, id, bson.M{"$set": bson.M{
		"status":       model.PromptStatusCanceled,
		"error":        message,
		"completed_at": time.Now().UTC(),
	}})
}

func (s *MongoStore) updateProcessing(ctx context.Context, id string, update bson.M) error {
	set, _ := update["$set"].(bson.M)
	set["updated_at"] = time.Now().UTC()

	res, err := s.prompts.UpdateOne(ctx, bson.M{"_id": id, "status": model.PromptStatusProcessing}, update)
	if err != nil {
		return fmt.Errorf("failed to update prompt: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := s.prompts.CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return fmt.Errorf("failed to look up prompt: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *MongoStore) ReleaseStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.prompts.UpdateMany(ctx,
		bson.M{"status": model.PromptStatusProcessing, "started_at": bson.M{"$lt": before}},
		bson.M{
			"$set":   bson.M{"status": model.PromptStatusPending, "updated_at": time.Now().UTC()},
			"$unset": bson.M{"started_at": "", "remote_job_id": ""},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale prompts: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) AddScore(ctx context.Context, jobID, promptID string, delta float64) error {
	res, err := s.prompts.UpdateOne(ctx,
		bson.M{"_id": promptID, "job_id": jobID, "status": model.PromptStatusCompleted},
		bson.M{"$inc": bson.M{"score_total": delta, "score_count": 1}},
	)
	if err != nil {
		return fmt.Errorf("failed to add score: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ApplyRating(ctx context.Context, jobID string, ids []string, weight float64) (int64, error) {
	res, err := s.prompts.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "job_id": jobID, "status": model.PromptStatusCompleted},
		bson.M{"$inc": bson.M{"rating_total": weight, "rating_count": 1}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to apply rating: %w", err)
	}
	return res.MatchedCount, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		logger.App().WithError(err).Error("Failed to disconnect MongoDB client")
		return err
	}
	return nil
}
