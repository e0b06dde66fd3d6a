package model

import (
	"fmt"
	"strings"
)

// FetchError is a provider failure that survived bounded retries.
type FetchError struct {
	Provider string
	Location string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Location == "" {
		return fmt.Sprintf("fetch %s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.Provider, e.Location, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DataInsufficientError means a stage did not have enough rows to proceed.
type DataInsufficientError struct {
	Stage string
	Have  int
	Need  int
}

func (e *DataInsufficientError) Error() string {
	return fmt.Sprintf("%s: insufficient data: have %d, need %d", e.Stage, e.Have, e.Need)
}

// SchemaMismatchError is returned when a model's recorded feature order does
// not match the engineered feature order. It is fatal for a predict batch.
type SchemaMismatchError struct {
	Expected []string
	Got      []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("feature schema mismatch: model has [%s], engineer produces [%s]",
		strings.Join(e.Expected, ","), strings.Join(e.Got, ","))
}

// StoreError is a feature store read or write failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
