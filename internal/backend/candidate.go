package backend

import (
	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
)

// FirstCandidate picks the canonical answer from a model that returns a
// list of candidates. Only the first element counts.
func FirstCandidate(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", apperrors.New(apperrors.CodeInference, "model returned no candidates")
	}
	return candidates[0], nil
}
