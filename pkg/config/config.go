package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"caskdb/pkg/dberrors"

	"github.com/goccy/go-yaml"
)

// IndexType selects the in-memory (or on-disk) index implementation.
type IndexType string

const (
	// BTree is an ordered balanced tree behind a single read/write lock.
	BTree IndexType = "btree"
	// SkipList is a lock-free concurrent ordered map.
	SkipList IndexType = "skiplist"
	// SQLite keeps the index on disk, so restarts skip log replay.
	SQLite IndexType = "sqlite"
)

// Options - конфигурация движка хранения
// yaml и validate теги для парсинга и валидации
type Options struct {
	DirPath            string       `yaml:"dir_path" validate:"required"`
	DataFileSize       int64        `yaml:"data_file_size" validate:"required,min=1"`
	SyncWrites         bool         `yaml:"sync_writes"`
	BytesPerSync       uint         `yaml:"bytes_per_sync" validate:"min=0"`
	IndexType          IndexType    `yaml:"index_type" validate:"oneof=btree skiplist sqlite"`
	MMapAtStartup      bool         `yaml:"mmap_at_startup"`
	DataFileMergeRatio float32      `yaml:"data_file_merge_ratio" validate:"gte=0,lte=1"`
	AutoMerge          bool         `yaml:"auto_merge"`
	Logger             LoggerConfig `yaml:"logger"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// IteratorOptions configures index iteration.
type IteratorOptions struct {
	// Prefix restricts iteration to keys starting with it. Empty means all keys.
	Prefix []byte
	// Reverse iterates in descending key order.
	Reverse bool
}

// WriteBatchOptions configures a write batch.
type WriteBatchOptions struct {
	// MaxBatchNum is the maximum number of pending operations in one batch.
	MaxBatchNum uint
	// SyncWrites syncs the active data file on commit.
	SyncWrites bool
}

// Default returns a baseline development config.
func Default() Options {
	return Options{
		DirPath:            filepath.Join(os.TempDir(), "caskdb"),
		DataFileSize:       256 * 1024 * 1024,
		SyncWrites:         false,
		BytesPerSync:       0,
		IndexType:          BTree,
		MMapAtStartup:      true,
		DataFileMergeRatio: 0.5,
		AutoMerge:          false,
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
	}
}

func DefaultIteratorOptions() IteratorOptions {
	return IteratorOptions{}
}

func DefaultWriteBatchOptions() WriteBatchOptions {
	return WriteBatchOptions{
		MaxBatchNum: 10000,
		SyncWrites:  true,
	}
}

// Validate checks the options an engine cannot open with.
func (o *Options) Validate() error {
	if o.DirPath == "" {
		return dberrors.ErrDirPathIsEmpty
	}
	if o.DataFileSize <= 0 {
		return dberrors.ErrDataFileSizeTooSmall
	}
	if o.DataFileMergeRatio < 0 || o.DataFileMergeRatio > 1 {
		return dberrors.ErrInvalidMergeRatio
	}
	switch o.IndexType {
	case BTree, SkipList, SQLite:
	default:
		return fmt.Errorf("%w: %q", dberrors.ErrInvalidIndexType, o.IndexType)
	}
	return nil
}

// Load reads options from a YAML file on top of Default().
// A missing file is not an error.
func Load(path string) (Options, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}
