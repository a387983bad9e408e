// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
// 分布式模式下，暂存包通过 MinIO 从扫描节点传递到 worker 节点。
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/internal/model"
	"xnat-ingest-go/pkg/log"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// manifestObject 最后上传，它存在即表示暂存包完整。
const manifestObject = "manifest.yaml"

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
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

	log.Info("MinIO 客户端初始化成功")

	// 2. 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	ctx := context.Background()
	bucketName := cfg.BucketName
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}

	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		err = MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}
}

// BundleStore 把暂存包以 <bundle>/<相对路径> 的形式存放在存储桶中。
type BundleStore struct {
	client *minio.Client
	bucket string
}

// NewBundleStore 创建 BundleStore。
func NewBundleStore(client *minio.Client, bucket string) *BundleStore {
	return &BundleStore{client: client, bucket: bucket}
}

// Put 上传暂存包的全部产物，最后上传 manifest.yaml。
func (s *BundleStore) Put(ctx context.Context, bundle *model.StagedBundle) error {
	for _, scan := range bundle.Scans {
		for _, a := range scan.Artifacts {
			object := ObjectName(bundle.Name, a.Path)
			if _, err := s.client.FPutObject(ctx, s.bucket, object, bundle.Abs(a), minio.PutObjectOptions{
				ContentType: "application/octet-stream",
			}); err != nil {
				return fmt.Errorf("put %s: %w", object, err)
			}
		}
	}
	object := ObjectName(bundle.Name, manifestObject)
	if _, err := s.client.FPutObject(ctx, s.bucket, object, filepath.Join(bundle.Dir, manifestObject), minio.PutObjectOptions{
		ContentType: "application/yaml",
	}); err != nil {
		return fmt.Errorf("put %s: %w", object, err)
	}
	log.Infof("[Storage] 暂存包 %s 已上传到存储桶 %s, 文件数: %d", bundle.Name, s.bucket, bundle.ArtifactCount()+1)
	return nil
}

// Fetch 把暂存包下载到 dir。
func (s *BundleStore) Fetch(ctx context.Context, name, dir string) error {
	prefix := name + "/"
	n := 0
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		local, err := LocalPath(dir, strings.TrimPrefix(obj.Key, prefix))
		if err != nil {
			return err
		}
		if err := s.client.FGetObject(ctx, s.bucket, obj.Key, local, minio.GetObjectOptions{}); err != nil {
			return fmt.Errorf("get %s: %w", obj.Key, err)
		}
		n++
	}
	if n == 0 {
		return fmt.Errorf("bundle %s not found in bucket %s", name, s.bucket)
	}
	if _, err := os.Stat(filepath.Join(dir, manifestObject)); err != nil {
		return fmt.Errorf("bundle %s is incomplete: %w", name, err)
	}
	log.Infof("[Storage] 暂存包 %s 已下载到 %s, 文件数: %d", name, dir, n)
	return nil
}

// Remove 删除存储桶中的暂存包。
func (s *BundleStore) Remove(ctx context.Context, name string) error {
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: name + "/", Recursive: true}) {
		if obj.Err != nil {
			return obj.Err
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// ObjectName 返回暂存包内文件的对象名。
func ObjectName(bundle, rel string) string {
	return path.Join(bundle, rel)
}

// LocalPath 把对象内的相对路径映射到 dir 下，拒绝跳出 dir 的路径。
func LocalPath(dir, rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" || strings.Contains(rel, "..") {
		return "", fmt.Errorf("invalid object path %q", rel)
	}
	return filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}
