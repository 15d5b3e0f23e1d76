package dberrors

import "errors"

var (
	ErrKeyIsEmpty           = errors.New("caskdb: key is empty")
	ErrDirPathIsEmpty       = errors.New("caskdb: database dir path is empty")
	ErrDataFileSizeTooSmall = errors.New("caskdb: data file size must be greater than 0")
	ErrInvalidMergeRatio    = errors.New("caskdb: invalid merge ratio, must be between 0 and 1")
	ErrInvalidIndexType     = errors.New("caskdb: invalid index type")

	ErrOpenDataFile  = errors.New("caskdb: failed to open data file")
	ErrReadDataFile  = errors.New("caskdb: failed to read data file")
	ErrWriteDataFile = errors.New("caskdb: failed to write data file")
	ErrSyncDataFile  = errors.New("caskdb: failed to sync data file")
	ErrCreateDir     = errors.New("caskdb: failed to create database dir")
	ErrReadDir       = errors.New("caskdb: failed to read database dir")

	ErrInvalidCRC             = errors.New("caskdb: invalid crc value, log record maybe corrupted")
	ErrDataDirectoryCorrupted = errors.New("caskdb: the database directory maybe corrupted")

	ErrKeyNotFound      = errors.New("caskdb: key not found")
	ErrDataFileNotFound = errors.New("caskdb: data file not found")

	ErrIndexUpdateFailed = errors.New("caskdb: failed to update index")

	ErrExceedMaxBatchNum = errors.New("caskdb: exceed the max batch num")
	ErrBatchCommitted    = errors.New("caskdb: write batch already committed")
	ErrSeqFileMissing    = errors.New("caskdb: cannot use write batch, seq no file not exists")

	ErrMergeInProgress       = errors.New("caskdb: merge is in progress, try again later")
	ErrMergeRatioUnreached   = errors.New("caskdb: the merge ratio do not reach the option")
	ErrNoEnoughSpaceForMerge = errors.New("caskdb: no enough disk space for merge")
	ErrDatabaseIsUsing       = errors.New("caskdb: the database directory is used by another process")
	ErrClosed                = errors.New("caskdb: closed")
)
