package store

import (
	"math/rand"
	"testing"

	"caskdb/pkg/config"
)

func newBenchStore(b *testing.B, indexType config.IndexType) *Store {
	b.Helper()

	opts := newTestOptions(b, indexType)
	return openTestStore(b, opts)
}

func BenchmarkStoreWrite(b *testing.B) {
	for _, typ := range indexTypes {
		b.Run(string(typ), func(b *testing.B) {
			s := newBenchStore(b, typ)

			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if err := s.Put(testKey(i), testValue(i)); err != nil {
					b.Fatalf("Put failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkStoreRead(b *testing.B) {
	for _, typ := range indexTypes {
		b.Run(string(typ), func(b *testing.B) {
			s := newBenchStore(b, typ)

			const preloaded = 10_000
			for i := 0; i < preloaded; i++ {
				if err := s.Put(testKey(i), testValue(i)); err != nil {
					b.Fatalf("Put failed: %v", err)
				}
			}

			b.ReportAllocs()
			b.ResetTimer()

			rng := rand.New(rand.NewSource(42))

			for i := 0; i < b.N; i++ {
				if _, err := s.Get(testKey(rng.Intn(preloaded))); err != nil {
					b.Fatalf("Get failed: %v", err)
				}
			}
		})
	}
}
