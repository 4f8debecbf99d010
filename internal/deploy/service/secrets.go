package service

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretSource is the secret-decryption collaborator. Revealed values are
// used transiently while staging and are never written to the ledger or
// the release store.
type SecretSource interface {
	Reveal(ctx context.Context, project, key string) (string, error)
}

// EnvSecretSource resolves secrets from process environment variables of
// the form EEVEON_SECRET_<PROJECT>_<KEY>.
type EnvSecretSource struct{}

func NewEnvSecretSource() *EnvSecretSource { return &EnvSecretSource{} }

func (s *EnvSecretSource) Reveal(ctx context.Context, project, key string) (string, error) {
	name := fmt.Sprintf("EEVEON_SECRET_%s_%s", envToken(project), envToken(key))
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("secret %s/%s not found", project, key)
	}
	return value, nil
}

func envToken(s string) string {
	s = strings.ToUpper(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

// StaticSecretSource serves a fixed map, keyed "project/key". Test helper
// and a building block for wiring external secret managers.
type StaticSecretSource map[string]string

func (s StaticSecretSource) Reveal(ctx context.Context, project, key string) (string, error) {
	if v, ok := s[project+"/"+key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("secret %s/%s not found", project, key)
}
