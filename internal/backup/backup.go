// Package backup uploads point-in-time copies of the local database to S3
// or an S3-compatible store, so unsynced field work survives a lost device.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/cerdas-survey/fieldsync/internal/store"
)

// ObjectAPI is the part of *s3.Client used here.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Snapshotter produces a consistent database copy. *store.Store implements it.
type Snapshotter interface {
	Snapshot(ctx context.Context, dest string) error
}

var _ Snapshotter = (*store.Store)(nil)

// Config configures the backup target.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// Static credentials. Leave empty to use the default AWS chain
	// (environment, shared config, instance role).
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects
	UsePathStyle    bool

	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Object describes one uploaded backup.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Backup uploads database snapshots.
type Backup struct {
	client ObjectAPI
	config Config
}

// New creates a Backup with an S3 client built from cfg.
func New(ctx context.Context, cfg Config) (*Backup, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return NewWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg)
}

// NewWithClient creates a Backup around an existing client.
func NewWithClient(client ObjectAPI, cfg Config) (*Backup, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		cfg.Logger = l.WithField("component", "backup")
	}
	return &Backup{client: client, config: cfg}, nil
}

// Key returns the object key for a backup of userID taken at t:
// <prefix><user>/<timestamp>.db
func (b *Backup) Key(userID string, t time.Time) string {
	return b.userPrefix(userID) + t.UTC().Format("20060102T150405Z") + ".db"
}

func (b *Backup) userPrefix(userID string) string {
	return b.config.Prefix + userID + "/"
}

// Upload snapshots src into a temporary file and uploads it. The temporary
// file is removed afterwards.
func (b *Backup) Upload(ctx context.Context, src Snapshotter, userID string) (*Object, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	dir, err := os.MkdirTemp("", "fieldsync-backup-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	at := b.config.Now()
	path := filepath.Join(dir, "snapshot.db")
	if err := src.Snapshot(ctx, path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	key := b.Key(userID, at)
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.config.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/vnd.sqlite3"),
		Metadata: map[string]string{
			"user-id":  userID,
			"taken-at": at.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	b.config.Logger.WithFields(logrus.Fields{
		"key":  key,
		"size": humanize.Bytes(uint64(info.Size())),
	}).Info("Backup uploaded")

	return &Object{Key: key, Size: info.Size(), LastModified: at.UTC()}, nil
}

// List returns the user's backups, newest first.
func (b *Backup) List(ctx context.Context, userID string) ([]Object, error) {
	prefix := b.userPrefix(userID)
	var (
		objects []Object
		token   *string
	)
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.config.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".db") {
				continue
			}
			objects = append(objects, Object{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key > objects[j].Key })
	return objects, nil
}
