package db

import (
	"context"
	"time"

	"chatgateway/internal/models"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const connectAttempts = 10

// Connect 负责建立到 Postgres 的连接，并带有简单的重试来等待容器就绪。
func Connect(dsn string) (*gorm.DB, error) {
	var gdb *gorm.DB
	var err error
	for i := 0; i < connectAttempts; i++ {
		gdb, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("postgres not ready")
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// Migrate 自动迁移网关依赖的全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Message{}, &models.RefreshToken{})
}

// ConnectMongo 连接 MongoDB 并 Ping 确认可用，重试策略与 Connect 一致。
func ConnectMongo(ctx context.Context, uri, database string) (*mongo.Database, func(context.Context) error, error) {
	opts := options.Client().ApplyURI(uri).SetMaxPoolSize(20)
	var err error
	for i := 0; i < connectAttempts; i++ {
		var cli *mongo.Client
		cli, err = mongo.Connect(ctx, opts)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err = cli.Ping(pingCtx, nil)
			cancel()
			if err == nil {
				return cli.Database(database), cli.Disconnect, nil
			}
			_ = cli.Disconnect(ctx)
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("mongo not ready")
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(time.Duration(500+i*200) * time.Millisecond):
		}
	}
	return nil, nil, err
}
