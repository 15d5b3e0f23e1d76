package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"caskdb/pkg/dberrors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.IndexType != BTree {
		t.Fatalf("Expected btree index by default, got %s", cfg.IndexType)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *Options)
		wantErr error
	}{
		{"empty dir", func(o *Options) { o.DirPath = "" }, dberrors.ErrDirPathIsEmpty},
		{"zero data file size", func(o *Options) { o.DataFileSize = 0 }, dberrors.ErrDataFileSizeTooSmall},
		{"negative data file size", func(o *Options) { o.DataFileSize = -1 }, dberrors.ErrDataFileSizeTooSmall},
		{"ratio above one", func(o *Options) { o.DataFileMergeRatio = 1.5 }, dberrors.ErrInvalidMergeRatio},
		{"ratio below zero", func(o *Options) { o.DataFileMergeRatio = -0.1 }, dberrors.ErrInvalidMergeRatio},
		{"unknown index", func(o *Options) { o.IndexType = "hash" }, dberrors.ErrInvalidIndexType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.DataFileSize != Default().DataFileSize {
			t.Fatalf("Expected default data file size, got %d", cfg.DataFileSize)
		}
	})

	t.Run("OverridesDefaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "caskdb.yaml")
		body := []byte("dir_path: /var/lib/caskdb\n" +
			"data_file_size: 4096\n" +
			"sync_writes: true\n" +
			"index_type: skiplist\n" +
			"data_file_merge_ratio: 0.25\n" +
			"logger:\n  level: DEBUG\n  json: true\n")
		if err := os.WriteFile(path, body, 0644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.DirPath != "/var/lib/caskdb" || cfg.DataFileSize != 4096 || !cfg.SyncWrites {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if cfg.IndexType != SkipList {
			t.Fatalf("Expected skiplist, got %s", cfg.IndexType)
		}
		if cfg.DataFileMergeRatio != 0.25 {
			t.Fatalf("Expected ratio 0.25, got %v", cfg.DataFileMergeRatio)
		}
		// fields absent from the file keep their defaults
		if !cfg.MMapAtStartup {
			t.Fatal("mmap_at_startup should keep its default")
		}
		if !cfg.Logger.JSON || cfg.Logger.Level != "DEBUG" {
			t.Fatalf("unexpected logger config: %+v", cfg.Logger)
		}
	})

	t.Run("BrokenYAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		if err := os.WriteFile(path, []byte("data_file_size: [1, 2"), 0644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatal("Expected parse error")
		}
	})
}
