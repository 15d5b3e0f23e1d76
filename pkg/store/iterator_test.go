package store

import (
	"errors"
	"fmt"
	"testing"

	"caskdb/pkg/config"
	"caskdb/pkg/dberrors"
)

func TestIterator(t *testing.T) {
	for _, typ := range indexTypes {
		t.Run(string(typ), func(t *testing.T) {
			s := openTestStore(t, newTestOptions(t, typ))

			for _, k := range []string{"user:2", "order:1", "user:1", "user:3", "order:2"} {
				if err := s.Put([]byte(k), []byte("v-"+k)); err != nil {
					t.Fatal(err)
				}
			}

			cases := []struct {
				name string
				opts config.IteratorOptions
				want []string
			}{
				{"all", config.IteratorOptions{}, []string{"order:1", "order:2", "user:1", "user:2", "user:3"}},
				{"prefix", config.IteratorOptions{Prefix: []byte("user:")}, []string{"user:1", "user:2", "user:3"}},
				{"reverse prefix", config.IteratorOptions{Prefix: []byte("order:"), Reverse: true}, []string{"order:2", "order:1"}},
			}
			for _, tc := range cases {
				t.Run(tc.name, func(t *testing.T) {
					it := s.NewIterator(tc.opts)
					defer it.Close()

					var got []string
					for it.Rewind(); it.Valid(); it.Next() {
						value, err := it.Value()
						if err != nil {
							t.Fatalf("Value failed: %v", err)
						}
						if string(value) != "v-"+string(it.Key()) {
							t.Fatalf("unexpected value %q for %q", value, it.Key())
						}
						got = append(got, string(it.Key()))
					}
					if fmt.Sprint(got) != fmt.Sprint(tc.want) {
						t.Fatalf("expected %v, got %v", tc.want, got)
					}
				})
			}

			it := s.NewIterator(config.IteratorOptions{})
			defer it.Close()
			it.Seek([]byte("user"))
			if !it.Valid() || string(it.Key()) != "user:1" {
				t.Fatalf("Seek: expected user:1")
			}

			// deleted after the snapshot
			if err := s.Delete([]byte("user:1")); err != nil {
				t.Fatal(err)
			}
			if _, err := it.Value(); !errors.Is(err, dberrors.ErrKeyNotFound) {
				t.Fatalf("expected ErrKeyNotFound for deleted key, got %v", err)
			}
		})
	}
}

func TestListKeysAndFold(t *testing.T) {
	s := openTestStore(t, newTestOptions(t, config.SkipList))

	for i := 0; i < 10; i++ {
		if err := s.Put(testKey(i), testValue(i)); err != nil {
			t.Fatal(err)
		}
	}

	keys := s.ListKeys()
	if len(keys) != 10 {
		t.Fatalf("expected 10 keys, got %d", len(keys))
	}
	for i, k := range keys {
		if string(k) != string(testKey(i)) {
			t.Fatalf("key %d: expected %s, got %s", i, testKey(i), k)
		}
	}

	var seen int
	err := s.Fold(func(key, value []byte) bool {
		if string(value) != string(testValue(seen)) {
			t.Errorf("Fold: unexpected value %q for %q", value, key)
		}
		seen++
		return seen < 4
	})
	if err != nil {
		t.Fatalf("Fold failed: %v", err)
	}
	if seen != 4 {
		t.Fatalf("Fold should stop after 4 keys, saw %d", seen)
	}
}
