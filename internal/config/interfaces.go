package config

import "context"

// SecretProvider resolves secret references to plaintext values.
type SecretProvider interface {
	// GetParametersBatch returns the values it could resolve, keyed by reference.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

var _ SecretProvider = (*SSMProvider)(nil)
