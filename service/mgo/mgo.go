package mgo

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config Mongo 连接配置
type Config struct {
	Uri         string
	Database    string
	Username    string
	Password    string
	MaxPoolSize uint64
}

type MongoManager struct {
	client *mongo.Client
	dbName string
}

var (
	mgoOnce sync.Once
	mgoMgr  *MongoManager
)

// InitMongo 同步初始化（单例）。活动日志是尽力而为的旁路，
// 连接失败时调用方拿到 nil collection，按降级处理即可。
func InitMongo(cfg Config) error {
	var initErr error
	mgoOnce.Do(func() {
		opts := options.Client().
			ApplyURI(cfg.Uri).
			SetMaxPoolSize(cfg.MaxPoolSize)
		if cfg.Username != "" {
			opts = opts.SetAuth(options.Credential{
				Username: cfg.Username,
				Password: cfg.Password,
			})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		cli, err := mongo.Connect(ctx, opts)
		if err != nil {
			initErr = errors.Wrap(err, "mongo connect")
			return
		}
		if err := cli.Ping(ctx, nil); err != nil {
			initErr = errors.Wrap(err, "mongo ping")
			return
		}
		mgoMgr = &MongoManager{client: cli, dbName: cfg.Database}
	})
	return initErr
}

// Collection 获取集合；未初始化时返回 nil
func Collection(name string) *mongo.Collection {
	if mgoMgr == nil {
		return nil
	}
	return mgoMgr.client.Database(mgoMgr.dbName).Collection(name)
}

// CloseMongo 关闭连接
func CloseMongo() error {
	if mgoMgr == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return mgoMgr.client.Disconnect(ctx)
}
