package flare

import (
	"context"
	"math/rand/v2"

	"go.uber.org/zap"
)

const (
	slugAlphabet = "abcdefghijklmnopqrstuvwxyz"
	slugLength   = 6
)

func randomSlug(length int) string {
	letters := make([]byte, length)
	for i := range letters {
		letters[i] = slugAlphabet[rand.IntN(len(slugAlphabet))]
	}
	return string(letters)
}

// reserveSlug samples random slugs until it finds one with no existing
// registration. Failure leaves no partial claim, so the loop is safe to
// retry; the random key space keeps it short in practice.
func (s *Service) reserveSlug(ctx context.Context, operation string) (string, error) {
	for {
		candidate := s.slugFunc(slugLength)
		_, present, err := s.store.Get(ctx, slugPath(candidate))
		if err != nil {
			s.logError(operation, "slug_check_failed", err, zap.String("slug", candidate))
			return "", newInfrastructureError(operation, "slug_check_failed", err)
		}
		if !present {
			return candidate, nil
		}
	}
}
