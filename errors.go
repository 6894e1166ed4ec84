package main

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat reports a missing, truncated or malformed GPT or container structure.
	ErrFormat = errors.New("invalid format")

	// ErrNotFound reports a named partition that is absent from the live
	// enumeration, or an output path that is already taken.
	ErrNotFound = errors.New("not found")

	// ErrSourceUnavailable reports a collaborator that could not open or
	// extract its source.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrIO reports a read or write failure on a stream.
	ErrIO = errors.New("i/o failure")

	// ErrOutputExists is returned when a member output would overwrite a file.
	ErrOutputExists = fmt.Errorf("%w: output already exists", ErrNotFound)
)
