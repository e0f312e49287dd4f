package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/langchou/busrelay/internal/models"
)

const (
	mongoDefaultDatabase = "busTracking"
	mongoCollection      = "buslocations"
)

// MongoLocationRepository MongoDB 位置仓库
// bus_id 唯一索引保证一车一条，created_at 上的 TTL 索引负责过期
type MongoLocationRepository struct {
	client    *mongo.Client
	coll      *mongo.Collection
	retention time.Duration
	now       func() time.Time
}

// NewMongoLocationRepository 连接 MongoDB 并建立索引
func NewMongoLocationRepository(ctx context.Context, uri string, retention time.Duration) (*MongoLocationRepository, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("parse mongo uri: %w", err)
	}
	database := cs.Database
	if database == "" {
		database = mongoDefaultDatabase
	}

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	r := &MongoLocationRepository{
		client:    client,
		coll:      client.Database(database).Collection(mongoCollection),
		retention: retention,
		now:       time.Now,
	}

	if err := r.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return r, nil
}

func (r *MongoLocationRepository) ensureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "bus_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(r.retention.Seconds())),
		},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

func (r *MongoLocationRepository) cutoff() time.Time {
	return r.now().Add(-r.retention)
}

// Latest 获取车辆最新位置
// TTL 后台任务约每分钟执行一次，读取时按 created_at 再过滤一次
func (r *MongoLocationRepository) Latest(ctx context.Context, busID string) (*models.BusLocation, error) {
	filter := bson.M{"bus_id": busID, "created_at": bson.M{"$gt": r.cutoff()}}

	loc := &models.BusLocation{}
	err := r.coll.FindOne(ctx, filter).Decode(loc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get latest location", err)
	}
	return loc, nil
}

// Replace 单次 upsert；过滤条件不满足时 upsert 会撞上唯一索引，说明已有更新的记录
func (r *MongoLocationRepository) Replace(ctx context.Context, loc *models.BusLocation) (bool, error) {
	now := r.now()
	filter := replaceFilter(loc, now.Add(-r.retention))

	stored := *loc
	stored.CreatedAt = now

	_, err := r.coll.ReplaceOne(ctx, filter, &stored, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("replace location", err)
	}

	loc.CreatedAt = now
	return true, nil
}

func replaceFilter(loc *models.BusLocation, cutoff time.Time) bson.M {
	return bson.M{
		"bus_id": loc.BusID,
		"$or": bson.A{
			bson.M{"timestamp": bson.M{"$lte": loc.Timestamp}},
			bson.M{"created_at": bson.M{"$lte": cutoff}},
		},
	}
}

// AllLatest 所有车辆的未过期位置
func (r *MongoLocationRepository) AllLatest(ctx context.Context) ([]*models.BusLocation, error) {
	cursor, err := r.coll.Find(ctx,
		bson.M{"created_at": bson.M{"$gt": r.cutoff()}},
		options.Find().SetSort(bson.D{{Key: "bus_id", Value: 1}}),
	)
	if err != nil {
		return nil, unavailable("list latest locations", err)
	}

	locations := make([]*models.BusLocation, 0)
	if err := cursor.All(ctx, &locations); err != nil {
		return nil, unavailable("decode locations", err)
	}
	return locations, nil
}

// Ping 检查连接
func (r *MongoLocationRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx, nil); err != nil {
		return unavailable("ping mongo", err)
	}
	return nil
}

// Close 断开连接
func (r *MongoLocationRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}
