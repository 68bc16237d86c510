package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// SharedCustomer is the customer segment used for keys with no customer.
const SharedCustomer = "shared"

// Scope places a key under a customer and an optional domain so that
// "<customer>:*" and "<customer>:<domain>.*" patterns address it.
type Scope struct {
	Customer string
	Domain   string
}

// Validate rejects segments that would break pattern addressing.
func (s Scope) Validate() error {
	if strings.ContainsAny(s.Customer, ":*\n\r") {
		return fmt.Errorf("%w: customer %q", ErrInvalidScope, s.Customer)
	}
	if strings.ContainsAny(s.Domain, ":.*\n\r") {
		return fmt.Errorf("%w: domain %q", ErrInvalidScope, s.Domain)
	}
	return nil
}

// Prefix returns the key prefix for the scope, e.g. "acme:billing.".
func (s Scope) Prefix() string {
	customer := s.Customer
	if customer == "" {
		customer = SharedCustomer
	}
	if s.Domain == "" {
		return customer + ":"
	}
	return customer + ":" + s.Domain + "."
}

// CustomerPattern returns the pattern matching every key of customer.
func CustomerPattern(customer string) string {
	return customer + ":" + Wildcard
}

// DomainPattern returns the pattern matching every key of customer in domain.
func DomainPattern(customer, domain string) string {
	return customer + ":" + domain + "." + Wildcard
}

// Keyer generates deterministic cache keys from tool execution parameters.
//
// Contract:
// - Determinism: same inputs must produce same key, regardless of map iteration order.
// - Concurrency: implementations must be safe for concurrent use.
type Keyer interface {
	// Key generates a cache key for a tool call made within scope.
	Key(scope Scope, toolID string, input any) (string, error)
}

// DefaultKeyer generates SHA-256 based cache keys.
type DefaultKeyer struct{}

// NewDefaultKeyer creates a new default keyer.
func NewDefaultKeyer() *DefaultKeyer {
	return &DefaultKeyer{}
}

// Key generates a deterministic cache key.
// Format: <customer>:[<domain>.]<toolID>:<hash>
// where hash is the first 16 hex characters of SHA-256(canonical JSON(input)).
func (k *DefaultKeyer) Key(scope Scope, toolID string, input any) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	if toolID == "" || strings.ContainsAny(toolID, ":*") {
		return "", fmt.Errorf("%w: tool id %q", ErrInvalidKey, toolID)
	}

	canonical, err := canonicalize(input)
	if err != nil {
		return "", fmt.Errorf("cache: failed to canonicalize input: %w", err)
	}
	sum := sha256.Sum256(canonical)

	key := scope.Prefix() + toolID + ":" + hex.EncodeToString(sum[:8])
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// canonicalize produces a deterministic JSON representation of the input.
func canonicalize(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			name, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			elem, err := canonicalize(val[k])
			if err != nil {
				return nil, err
			}
			out = append(append(append(out, name...), ':'), elem...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			elem, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, elem...)
		}
		return append(out, ']'), nil
	default:
		// encoding/json already sorts map keys for typed maps and structs.
		return json.Marshal(v)
	}
}

// Ensure DefaultKeyer implements Keyer
var _ Keyer = (*DefaultKeyer)(nil)
