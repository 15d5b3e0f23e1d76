package types

// Key is a byte slice type alias used for clarity.
type Key = []byte

// Value is a byte slice type alias used for clarity.
type Value = []byte

// SequenceNumber identifies one committed write batch. Zero marks records
// written outside of any batch.
type SequenceNumber = uint64

// FileID identifies a data file inside the database directory.
// Higher ids are newer.
type FileID = uint32
