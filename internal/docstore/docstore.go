// Package docstore defines the generic document store the order and inventory
// code persists through: keyed collections of JSON-shaped documents with
// merge-patch updates, single-field queries and live subscriptions.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrConditionFailed = errors.New("document condition failed")
	ErrAlreadyExists   = errors.New("document already exists")
	ErrInvalidFilter   = errors.New("invalid filter")
)

// Document is a JSON-shaped record. Numbers are float64 once stored.
type Document map[string]any

type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

func (f Filter) Validate() error {
	if f.Field == "" {
		return fmt.Errorf("%w: field required", ErrInvalidFilter)
	}
	switch f.Op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		return nil
	default:
		return fmt.Errorf("%w: unsupported op %q", ErrInvalidFilter, f.Op)
	}
}

// Increment is a field-level numeric delta marker. Passed as a value to
// Update it is applied atomically against the stored number.
type Increment struct {
	Amount int64
}

func Inc(amount int64) Increment {
	return Increment{Amount: amount}
}

// Listener receives the full matching result set after every change.
type Listener func(docs []Document)

type Unsubscribe func()

type Store interface {
	Get(ctx context.Context, collection string, id string) (Document, error)
	Set(ctx context.Context, collection string, id string, doc Document) error
	// Create writes doc only when id is unused, else ErrAlreadyExists.
	Create(ctx context.Context, collection string, id string, doc Document) error
	Update(ctx context.Context, collection string, id string, fields Document) error
	QueryWhere(ctx context.Context, collection string, filter Filter) ([]Document, error)
	CountWhere(ctx context.Context, collection string, filter Filter) (int, error)
	// DecrementIfAtLeast subtracts amount from a numeric field only when the
	// stored value is >= amount, returning the new value. ErrConditionFailed
	// reports a value that was too low; ErrNotFound a missing document.
	DecrementIfAtLeast(ctx context.Context, collection string, id string, field string, amount int64) (int64, error)
	Subscribe(ctx context.Context, collection string, filter Filter, fn Listener) (Unsubscribe, error)
}

// Encode turns a tagged struct into a Document.
func Encode(v any) (Document, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Decode fills dest from doc using the struct's json tags.
func Decode(doc Document, dest any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, dest)
}

// Clone returns a deep copy with numbers normalized to float64.
func Clone(doc Document) (Document, error) {
	if doc == nil {
		return nil, nil
	}
	return Encode(doc)
}

func normalize(v any) (any, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyPatch merges fields into a copy of doc, resolving Increment markers
// against the current value (missing counts as zero).
func ApplyPatch(doc Document, fields Document) (Document, error) {
	next, err := Clone(doc)
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = Document{}
	}
	for key, value := range fields {
		if inc, ok := value.(Increment); ok {
			current := 0.0
			if existing, present := next[key]; present && existing != nil {
				n, numeric := ToFloat(existing)
				if !numeric {
					return nil, fmt.Errorf("docstore: field %q is not numeric", key)
				}
				current = n
			}
			next[key] = current + float64(inc.Amount)
			continue
		}
		normalized, err := normalize(value)
		if err != nil {
			return nil, fmt.Errorf("docstore: field %q: %w", key, err)
		}
		next[key] = normalized
	}
	return next, nil
}

// Match reports whether doc satisfies filter. Numbers compare numerically,
// strings lexically; a missing field only matches == nil and != <value>.
func Match(doc Document, filter Filter) bool {
	value, present := doc[filter.Field]
	if !present || value == nil {
		switch filter.Op {
		case OpEq:
			return filter.Value == nil
		case OpNe:
			return filter.Value != nil
		default:
			return false
		}
	}

	if left, ok := ToFloat(value); ok {
		right, ok := ToFloat(filter.Value)
		if !ok {
			return filter.Op == OpNe
		}
		return compare(cmpFloat(left, right), filter.Op)
	}
	if left, ok := value.(string); ok {
		right, ok := filter.Value.(string)
		if !ok {
			return filter.Op == OpNe
		}
		return compare(cmpString(left, right), filter.Op)
	}
	if left, ok := value.(bool); ok {
		right, ok := filter.Value.(bool)
		switch filter.Op {
		case OpEq:
			return ok && left == right
		case OpNe:
			return !ok || left != right
		}
	}
	return false
}

func compare(c int, op Op) bool {
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	}
	return false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
