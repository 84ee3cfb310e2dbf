// Package config reads the uploader settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/connectivity"
	"github.com/bitrise-io/go-chunkupload/store"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-chunkupload/upload/digest"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/docker/go-units"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
)

const (
	ChunkSizeKey         = "CHUNKUPLOAD_CHUNK_SIZE"
	ConcurrencyKey       = "CHUNKUPLOAD_CONCURRENCY"
	DigestKey            = "CHUNKUPLOAD_DIGEST"
	DigestConcurrencyKey = "CHUNKUPLOAD_DIGEST_CONCURRENCY"
	PrefetchDigestsKey   = "CHUNKUPLOAD_PREFETCH_DIGESTS"
	ProbeURLKey          = "CHUNKUPLOAD_PROBE_URL"
	ProbeIntervalKey     = "CHUNKUPLOAD_PROBE_INTERVAL"
	StoreKey             = "CHUNKUPLOAD_STORE"
	StoreDirKey          = "CHUNKUPLOAD_STORE_DIR"
	RedisAddrKey         = "CHUNKUPLOAD_REDIS_ADDR"
	SnapshotTTLKey       = "CHUNKUPLOAD_SNAPSHOT_TTL"
	DebugKey             = "CHUNKUPLOAD_DEBUG"
)

const defaultProbeInterval = 10 * time.Second

// Store kinds.
const (
	StoreNone   = "none"
	StoreFile   = "file"
	StoreBadger = "badger"
	StoreRedis  = "redis"
)

// Settings is the environment configuration of an upload.
type Settings struct {
	ChunkSize         int64         `env:"CHUNKUPLOAD_CHUNK_SIZE" validate:"gte=0"`
	Concurrency       int           `env:"CHUNKUPLOAD_CONCURRENCY" validate:"gte=0,lte=256"`
	Digest            string        `env:"CHUNKUPLOAD_DIGEST" validate:"oneof=sha256 md5 crc32c xxhash64"`
	DigestConcurrency int           `env:"CHUNKUPLOAD_DIGEST_CONCURRENCY" validate:"gte=0"`
	PrefetchDigests   bool          `env:"CHUNKUPLOAD_PREFETCH_DIGESTS"`
	ProbeURL          string        `env:"CHUNKUPLOAD_PROBE_URL" validate:"omitempty,url"`
	ProbeInterval     time.Duration `env:"CHUNKUPLOAD_PROBE_INTERVAL" validate:"gt=0"`
	Store             string        `env:"CHUNKUPLOAD_STORE" validate:"oneof=none file badger redis"`
	StoreDir          string        `env:"CHUNKUPLOAD_STORE_DIR" validate:"required_if=Store file,required_if=Store badger"`
	RedisAddr         string        `env:"CHUNKUPLOAD_REDIS_ADDR" validate:"required_if=Store redis"`
	SnapshotTTL       time.Duration `env:"CHUNKUPLOAD_SNAPSHOT_TTL" validate:"gte=0"`
	Debug             bool          `env:"CHUNKUPLOAD_DEBUG"`
}

var validate = validator.New()

// Load parses and validates the settings found in envRepo.
func Load(envRepo env.Repository) (Settings, error) {
	s := Settings{
		Digest:        "sha256",
		ProbeInterval: defaultProbeInterval,
		Store:         StoreNone,
	}

	var errs []error
	if v := envRepo.Get(ChunkSizeKey); v != "" {
		size, err := units.RAMInBytes(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ChunkSizeKey, err))
		}
		s.ChunkSize = size
	}
	if v := envRepo.Get(ConcurrencyKey); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ConcurrencyKey, err))
		}
		s.Concurrency = n
	}
	if v := envRepo.Get(DigestKey); v != "" {
		s.Digest = strings.ToLower(v)
	}
	if v := envRepo.Get(DigestConcurrencyKey); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", DigestConcurrencyKey, err))
		}
		s.DigestConcurrency = n
	}
	s.PrefetchDigests = isTrue(envRepo.Get(PrefetchDigestsKey))
	s.ProbeURL = envRepo.Get(ProbeURLKey)
	if v := envRepo.Get(ProbeIntervalKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ProbeIntervalKey, err))
		}
		s.ProbeInterval = d
	}
	if v := envRepo.Get(StoreKey); v != "" {
		s.Store = strings.ToLower(v)
	}
	s.StoreDir = envRepo.Get(StoreDirKey)
	s.RedisAddr = envRepo.Get(RedisAddrKey)
	if v := envRepo.Get(SnapshotTTLKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", SnapshotTTLKey, err))
		}
		s.SnapshotTTL = d
	}
	s.Debug = isTrue(envRepo.Get(DebugKey))

	if len(errs) > 0 {
		return Settings{}, errors.Join(errs...)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks every field and reports the violations by environment key.
func (s Settings) Validate() error {
	err := validate.Struct(s)
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	errs := make([]error, 0, len(validationErrs))
	for _, fe := range validationErrs {
		errs = append(errs, fmt.Errorf("%s: invalid value %v (%s)", envKey(fe.StructField()), fe.Value(), fe.Tag()))
	}
	return errors.Join(errs...)
}

// UploadConfig converts the settings to an uploader configuration.
func (s Settings) UploadConfig(environment connectivity.Environment, logger log.Logger) (upload.Config, error) {
	hasher, err := digest.ByName(s.Digest)
	if err != nil {
		return upload.Config{}, err
	}

	cfg := upload.DefaultConfig()
	cfg.ChunkSize = s.ChunkSize
	cfg.Concurrency = s.Concurrency
	if s.DigestConcurrency > 0 {
		cfg.DigestConcurrency = s.DigestConcurrency
	}
	cfg.Hasher = hasher
	cfg.PrefetchDigests = s.PrefetchDigests
	cfg.Environment = environment
	cfg.Logger = logger
	return cfg, nil
}

// Logger returns a logger with debug logging enabled as configured.
func (s Settings) Logger() log.Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(s.Debug)
	return logger
}

// Probe returns the connectivity probe, or nil if no probe URL is set.
func (s Settings) Probe(logger log.Logger) *connectivity.Probe {
	if s.ProbeURL == "" {
		return nil
	}
	return connectivity.NewProbe(s.ProbeURL, s.ProbeInterval, logger)
}

// OpenStore opens the configured snapshot store. The returned function releases it.
// A nil store is returned when snapshots are not persisted.
func (s Settings) OpenStore(ctx context.Context) (store.Store, func() error, error) {
	noop := func() error { return nil }

	switch s.Store {
	case StoreFile:
		f, err := store.NewFile(s.StoreDir)
		if err != nil {
			return nil, nil, err
		}
		return f, noop, nil
	case StoreBadger:
		db, err := badger.Open(badger.DefaultOptions(s.StoreDir).WithLogger(nil))
		if err != nil {
			return nil, nil, fmt.Errorf("open badger database: %w", err)
		}
		return store.NewBadger(db, s.SnapshotTTL), db.Close, nil
	case StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis %s: %w", s.RedisAddr, err)
		}
		return store.NewRedis(client, s.SnapshotTTL), client.Close, nil
	default:
		return nil, noop, nil
	}
}

func envKey(field string) string {
	f, ok := reflect.TypeOf(Settings{}).FieldByName(field)
	if !ok {
		return field
	}
	return f.Tag.Get("env")
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "true", "yes", "1":
		return true
	}
	return false
}
