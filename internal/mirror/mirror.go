// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mirror uploads exported files to an S3-compatible object store
// after local writes complete. Upload failures are reported but never roll
// back the local artifact.
package mirror

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config describes the remote endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// Prefix is prepended to every remote object name.
	Prefix string
	// CheckOnStart enables a connectivity probe before the first run.
	CheckOnStart bool
}

// Session wraps a connected client for one mirror destination.
type Session struct {
	client *minio.Client
	cfg    Config
}

// Connect builds the client. No network call happens until Test or Upload.
func Connect(cfg Config) (*Session, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("mirror client for %s: %w", cfg.Endpoint, err)
	}
	return &Session{client: client, cfg: cfg}, nil
}

// Test probes the destination bucket.
func (s *Session) Test(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("mirror probe: %w", err)
	}
	if !ok {
		return fmt.Errorf("mirror bucket %q does not exist", s.cfg.Bucket)
	}
	return nil
}

// Upload copies a local file to the bucket under the configured prefix.
func (s *Session) Upload(ctx context.Context, localPath, remoteName string) error {
	object := remoteName
	if s.cfg.Prefix != "" {
		object = path.Join(s.cfg.Prefix, remoteName)
	}
	_, err := s.client.FPutObject(ctx, s.cfg.Bucket, object, localPath, minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return fmt.Errorf("upload %s to %s/%s: %w", localPath, s.cfg.Bucket, object, err)
	}
	return nil
}
