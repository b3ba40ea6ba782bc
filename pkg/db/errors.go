package db

import "errors"

var (
	ErrNoDatabase       = errors.New("no database selected, use 'use <dbname>' first")
	ErrDatabaseNotFound = errors.New("database does not exist")
	ErrTableNotFound    = errors.New("table does not exist")
	ErrIndexNotFound    = errors.New("index does not exist")
	ErrRecordNotFound   = errors.New("record does not exist")
	ErrRecordLength     = errors.New("record length does not match table")
	ErrExists           = errors.New("already exists")
	ErrInvalidName      = errors.New("invalid name")
)
