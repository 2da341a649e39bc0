package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"application-lifecycle/internal/formdata"
)

const (
	referencePrefix   = "ZB"
	referenceLength   = 8
	referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referenceAttempts = 10
)

var nonReferenceChars = regexp.MustCompile(`[^A-Z0-9]`)

// NormalizeReference uppercases a code and drops everything outside A-Z0-9.
func NormalizeReference(code string) string {
	return nonReferenceChars.ReplaceAllString(strings.ToUpper(strings.TrimSpace(code)), "")
}

// chooseReference prefers the applicant's national id so branch staff can
// find the application with the document in hand. It falls back to a
// random code when the id is absent or already held by another live
// application.
func (s *Service) chooseReference(ctx context.Context, sessionID string, v formdata.View) (string, error) {
	now := s.now()

	if id := v.NationalID(); id != "" {
		inUse, err := s.store.ReferenceCodeInUse(ctx, id, sessionID, now)
		if err != nil {
			return "", err
		}
		if !inUse {
			return id, nil
		}
		s.logger.Info("National id already used as a live reference, generating one", map[string]interface{}{
			"sessionId": sessionID,
		})
	}

	for i := 0; i < referenceAttempts; i++ {
		code, err := generateReference()
		if err != nil {
			return "", err
		}
		inUse, err := s.store.ReferenceCodeInUse(ctx, code, sessionID, now)
		if err != nil {
			return "", err
		}
		if !inUse {
			return code, nil
		}
	}
	return "", fmt.Errorf("no free reference code after %d attempts", referenceAttempts)
}

func generateReference() (string, error) {
	suffix, err := randomString(referenceAlphabet, referenceLength)
	if err != nil {
		return "", fmt.Errorf("generate reference code: %w", err)
	}
	return referencePrefix + suffix, nil
}

func randomString(alphabet string, n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	limit := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}
