package storage

import "errors"

var errUnknownAlgorithm = errors.New("storage: policy declares an unrecognized algorithm")
