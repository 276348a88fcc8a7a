package checkout

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError describes a malformed or incomplete checkout request,
// keyed by the JSON path of each offending field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Fields[k])
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

type ProductNotFoundError struct {
	Line      int
	ProductID string
	Variant   string
}

func (e *ProductNotFoundError) Error() string {
	if e.Variant != "" {
		return fmt.Sprintf("line %d: product %s variant %s not found", e.Line+1, e.ProductID, e.Variant)
	}
	return fmt.Sprintf("line %d: product %s not found", e.Line+1, e.ProductID)
}

// PaymentError means verification was attempted and did not confirm a
// settled payment. Err carries the gateway failure, if there was one.
type PaymentError struct {
	Reference string
	Err       error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment verification failed for reference %q", e.Reference)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// LedgerWriteError is returned after the order could not be written and the
// stock reservation was handed back.
type LedgerWriteError struct {
	Err error
}

func (e *LedgerWriteError) Error() string { return "order could not be recorded: " + e.Err.Error() }

func (e *LedgerWriteError) Unwrap() error { return e.Err }
