// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package config defines the vault pipeline's configuration. A
// configuration starts from Default and is overlaid by YAML documents
// and by key=value settings, then validated.
//
// An example document:
//
//	part_size: 5242880
//	queue_limit: 4
//	cache_dir: /var/cache/mediavault
//	presign_ttl: 15m
//	retry:
//	  max_tries: 3
//	  initial: 500ms
//	  max: 10s
//	s3:
//	  bucket: family-vault
//	  region: us-west-2
//	  prefix: content
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/retry"
	"gopkg.in/yaml.v3"
)

// MinPartSize is the smallest part object storage accepts for any
// part but the last.
const MinPartSize = 5 << 20

// Config is the pipeline configuration.
type Config struct {
	// PartSize is the plaintext size of each upload part and of each
	// download window.
	PartSize int64 `yaml:"part_size" validate:"min=5242880"`
	// QueueLimit bounds the number of concurrent transfers.
	QueueLimit int `yaml:"queue_limit" validate:"min=1,max=64"`
	// CacheDir holds decrypted content.
	CacheDir string `yaml:"cache_dir" validate:"required"`
	// Keystore is the sqlite data source of the member key store.
	Keystore string `yaml:"keystore" validate:"required"`
	// PresignTTL is the lifetime of presigned part and object URLs.
	PresignTTL time.Duration `yaml:"presign_ttl"`
	// LogLevel is one of off, error, info, debug.
	LogLevel string `yaml:"log_level" validate:"oneof=off error info debug"`

	Retry Retry `yaml:"retry"`
	S3    S3    `yaml:"s3"`
}

// Retry configures whole-transfer retries of transport failures.
type Retry struct {
	MaxTries int           `yaml:"max_tries" validate:"min=1,max=20"`
	Initial  time.Duration `yaml:"initial"`
	Max      time.Duration `yaml:"max"`
	Factor   float64       `yaml:"factor" validate:"gte=1"`
}

// Policy returns the retry policy described by r.
func (r Retry) Policy() retry.Policy {
	return retry.MaxTries(retry.Backoff(r.Initial, r.Max, r.Factor), r.MaxTries)
}

// S3 configures the S3 object store. An empty bucket means no S3
// store is configured.
type S3 struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region" validate:"required_with=Bucket"`
	Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		PartSize:   MinPartSize,
		QueueLimit: 4,
		CacheDir:   filepath.Join(os.TempDir(), "mediavault-cache"),
		Keystore:   "mediavault-keys.db",
		PresignTTL: 15 * time.Minute,
		LogLevel:   "info",
		Retry: Retry{
			MaxTries: 3,
			Initial:  500 * time.Millisecond,
			Max:      10 * time.Second,
			Factor:   2,
		},
	}
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.E(errors.Invalid, "config", formatValidationError(err))
	}
	if c.PresignTTL < time.Minute || c.PresignTTL > 7*24*time.Hour {
		return errors.E(errors.Invalid, fmt.Sprintf("config: presign_ttl %v must be between 1m and 168h", c.PresignTTL))
	}
	if c.Retry.Initial <= 0 || c.Retry.Max < c.Retry.Initial {
		return errors.E(errors.Invalid, "config: retry durations must satisfy 0 < initial <= max")
	}
	return nil
}

func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msgs[i] += fmt.Sprintf(" (%s)", fe.Param())
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Parse overlays the YAML document b onto c. Unknown keys are
// rejected.
func (c *Config) Parse(b []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.E(errors.Invalid, "config: parse", err)
	}
	return nil
}

// Parse returns the default configuration overlaid with the document
// b, validated.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := c.Parse(b); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load returns the configuration in the file at path. A missing file
// yields the (validated) default configuration.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c := Default()
		return c, c.Validate()
	}
	if err != nil {
		return nil, errors.E(fmt.Sprintf("config: read %s", path), err)
	}
	return Parse(b)
}

// Set sets the value at a dotted key path, as in "s3.bucket=photos"
// or "retry.max_tries=5". The value is interpreted as YAML.
func (c *Config) Set(key, value string) error {
	if key == "" {
		return errors.E(errors.Invalid, "config: empty key")
	}
	parts := strings.Split(key, ".")
	var doc interface{}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(value), &node); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("config: set %s", key), err)
	}
	if len(node.Content) > 0 {
		doc = node.Content[0]
	} else {
		doc = ""
	}
	for i := len(parts) - 1; i >= 0; i-- {
		doc = map[string]interface{}{parts[i]: doc}
	}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("config: set %s", key), err)
	}
	return c.Parse(b)
}

// Marshal returns c as a YAML document.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
