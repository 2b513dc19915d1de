package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/clawcrm/clawcrm/pkg/config"
	"github.com/clawcrm/clawcrm/pkg/store"
	"github.com/sirupsen/logrus"
)

const (
	archiveBatchSize = 1000
	archiveTimeFmt   = "20060102T150405Z"
)

// objectPutter is the part of the S3 client the archiver needs.
type objectPutter interface {
	PutObject(
		ctx context.Context,
		params *s3.PutObjectInput,
		optFns ...func(*s3.Options),
	) (*s3.PutObjectOutput, error)
}

// Archiver moves audit entries older than the retention window to
// S3-compatible storage as JSON Lines objects.
type Archiver struct {
	log       logrus.FieldLogger
	cfg       *config.AuditArchiveConfig
	store     store.Store
	client    objectPutter
	interval  time.Duration
	retention time.Duration
	now       func() time.Time

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// NewArchiver creates a new Archiver from cfg.
func NewArchiver(
	log logrus.FieldLogger,
	cfg *config.AuditArchiveConfig,
	st store.Store,
) (*Archiver, error) {
	interval, err := time.ParseDuration(cfg.Interval)
	if err != nil {
		return nil, fmt.Errorf("parsing archive interval: %w", err)
	}

	retention, err := time.ParseDuration(cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("parsing archive retention: %w", err)
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &Archiver{
		log:       log.WithField("component", "audit-archiver"),
		cfg:       cfg,
		store:     st,
		client:    s3.New(s3.Options{}, opts...),
		interval:  interval,
		retention: retention,
		now:       time.Now,
		done:      make(chan struct{}),
	}, nil
}

// Start launches the periodic archive loop.
func (a *Archiver) Start(ctx context.Context) error {
	a.wg.Add(1)

	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := a.RunOnce(ctx); err != nil {
					a.log.WithError(err).Warn("Audit archive run failed")
				}
			case <-ctx.Done():
				return
			case <-a.done:
				return
			}
		}
	}()

	a.log.WithFields(logrus.Fields{
		"bucket":    a.cfg.Bucket,
		"interval":  a.interval.String(),
		"retention": a.retention.String(),
	}).Info("Audit archiver started")

	return nil
}

// Stop halts the archive loop.
func (a *Archiver) Stop() {
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()
}

// RunOnce archives every entry older than the retention window and returns
// the number of archived entries. Rows are deleted only after their batch
// was uploaded.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	cutoff := a.now().Add(-a.retention)
	total := 0

	for {
		entries, err := a.store.ListAuditEntriesBefore(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return total, err
		}

		if len(entries) == 0 {
			break
		}

		if err := a.upload(ctx, entries); err != nil {
			return total, err
		}

		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.ID)
		}

		if err := a.store.DeleteAuditEntries(ctx, ids); err != nil {
			return total, err
		}

		total += len(entries)

		if len(entries) < archiveBatchSize {
			break
		}
	}

	if total > 0 {
		a.log.WithField("entries", total).Info("Archived audit entries")
	}

	return total, nil
}

func (a *Archiver) upload(ctx context.Context, entries []store.AuditLogEntry) error {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("encoding audit entry: %w", err)
		}
	}

	key := a.objectKey(entries[0].Timestamp, entries[len(entries)-1].Timestamp)

	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	}); err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", a.cfg.Bucket, key, err)
	}

	return nil
}

func (a *Archiver) objectKey(from, to time.Time) string {
	prefix := strings.TrimSuffix(a.cfg.Prefix, "/")

	name := fmt.Sprintf(
		"audit-%s-%s.jsonl",
		from.UTC().Format(archiveTimeFmt),
		to.UTC().Format(archiveTimeFmt),
	)

	if prefix == "" {
		return name
	}

	return prefix + "/" + name
}
