package ml

import "errors"

var (
	errEmptyDataset    = errors.New("dataset is empty")
	errShapeMismatch   = errors.New("features, labels and weights differ in length")
	errTooFewClasses   = errors.New("at least two classes are required")
	errLabelOutOfRange = errors.New("label index out of range")
	errBadWeight       = errors.New("sample weights must be non-negative numbers")
	errEmptyVocabulary = errors.New("no terms left after tokenization")
	errNotFitted       = errors.New("classifier has not been fitted")
)

// ErrUnknownFamily is returned for classifier families this package cannot build.
var ErrUnknownFamily = errors.New("unknown classifier family")
