package models

import "errors"

// Error kinds. Callers wrap these with fmt.Errorf("%w: ...") and classify with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
	ErrExtraction   = errors.New("extraction failed")
	ErrEmbedding    = errors.New("embedding failed")
	ErrRetrieval    = errors.New("retrieval failed")
	ErrModel        = errors.New("model failed")
)
