// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"context"
	"nestchat-widget-go/internal/config"
	"nestchat-widget-go/pkg/log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// avatarBucket 存放人工客服头像对象的存储桶名。
var avatarBucket string

// InitMinIO 初始化 MinIO 客户端并确保头像存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	// 1. 初始化 MinIO 客户端
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}
	avatarBucket = cfg.BucketName

	log.Info("MinIO 客户端初始化成功")

	// 2. 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	ctx := context.Background()
	exists, err := MinioClient.BucketExists(ctx, avatarBucket)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}

	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", avatarBucket)
		err = MinioClient.MakeBucket(ctx, avatarBucket, minio.MakeBucketOptions{})
		if err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", avatarBucket)
	} else {
		log.Infof("存储桶 '%s' 已存在", avatarBucket)
	}
}

// GetAvatarURL 为指定的头像对象生成一个预签名访问 URL。
// objectName 为空时返回空串，表示该客服未设置头像。
func GetAvatarURL(objectName string, expiry time.Duration) (string, error) {
	if objectName == "" {
		return "", nil
	}
	presignedURL, err := MinioClient.PresignedGetObject(context.Background(), avatarBucket, objectName, expiry, nil)
	if err != nil {
		log.Errorf("生成头像预签名 URL 失败: %s", err)
		return "", err
	}
	return presignedURL.String(), nil
}
