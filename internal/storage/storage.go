// Package storage publishes annotated videos to object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ObjectStore is the subset of object storage the publisher needs.
type ObjectStore interface {
	PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error
	Exists(ctx context.Context, key string) (bool, error)
	HealthCheck(ctx context.Context) error
}

// PutOption configures uploads.
type PutOption interface {
	applyPut(*putOptions)
}

type putOptions struct {
	ContentType string
	Metadata    map[string]string
}

type contentTypeOption string

func (o contentTypeOption) applyPut(opts *putOptions) { opts.ContentType = string(o) }

type metadataOption map[string]string

func (o metadataOption) applyPut(opts *putOptions) { opts.Metadata = o }

func WithContentType(contentType string) PutOption {
	return contentTypeOption(contentType)
}

func WithMetadata(metadata map[string]string) PutOption {
	return metadataOption(metadata)
}

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotExist returns true if the error indicates the object doesn't exist
func IsNotExist(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 404
	}
	return false
}

// IsAccessDenied returns true if the error indicates access was denied
func IsAccessDenied(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 403
	}
	return false
}

// Publisher uploads finished pipeline outputs under a key prefix.
type Publisher struct {
	store  ObjectStore
	prefix string
	logger *zap.Logger
	now    func() time.Time

	published atomic.Uint64
	skipped   atomic.Uint64
}

// NewPublisher returns a Publisher writing to store. Keys take the form
// "{prefix}/{yyyy/mm/dd}/{file name}".
func NewPublisher(store ObjectStore, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.L()
	}
	return &Publisher{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("publisher"),
		now:    time.Now,
	}
}

// Key returns the object key filePath would be published under.
func (p *Publisher) Key(filePath string) string {
	day := p.now().UTC().Format("2006/01/02")
	name := filepath.Base(filePath)
	if p.prefix == "" {
		return path.Join(day, name)
	}
	return path.Join(p.prefix, day, name)
}

// Publish uploads filePath tagged with runID and returns its key. A key that
// is already present in the store is not uploaded again.
func (p *Publisher) Publish(ctx context.Context, runID, filePath string) (string, error) {
	key := p.Key(filePath)

	exists, err := p.store.Exists(ctx, key)
	switch {
	case err == nil && exists:
		p.skipped.Add(1)
		p.logger.Info("artifact already published", zap.String("key", key), zap.String("run_id", runID))
		return key, nil
	case IsAccessDenied(err):
		return "", fmt.Errorf("publish %s: %w", filePath, err)
	case err != nil && !IsNotExist(err):
		p.logger.Warn("existence check failed, uploading anyway", zap.String("key", key), zap.Error(err))
	}

	meta := map[string]string{
		"run-id": runID,
		"source": filepath.Base(filePath),
	}
	if err := p.store.PutFile(ctx, key, filePath, WithMetadata(meta)); err != nil {
		return "", fmt.Errorf("publish %s: %w", filePath, err)
	}
	p.published.Add(1)
	p.logger.Info("artifact published", zap.String("key", key), zap.String("run_id", runID))
	return key, nil
}

// HealthCheck reports whether the backing store is usable.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	return p.store.HealthCheck(ctx)
}

type metricsReporter interface {
	GetMetrics() map[string]any
}

// Metrics merges the publisher's counters with the store's, when the store
// reports any.
func (p *Publisher) Metrics() map[string]any {
	m := map[string]any{
		"published": p.published.Load(),
		"skipped":   p.skipped.Load(),
	}
	if r, ok := p.store.(metricsReporter); ok {
		for k, v := range r.GetMetrics() {
			m[k] = v
		}
	}
	return m
}
