package backend

import (
	"strings"

	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
)

// Kind enumerates the supported backend variants.
type Kind int

const (
	KindUnknown Kind = iota
	KindQwen
	KindLlava
	KindGemini
)

// Match order matters: an identifier containing several names resolves to
// the first one listed here.
var kindNames = []struct {
	kind Kind
	name string
}{
	{KindQwen, "qwen"},
	{KindLlava, "llava"},
	{KindGemini, "gemini"},
}

// String returns the canonical lowercase name.
func (k Kind) String() string {
	for _, kn := range kindNames {
		if kn.kind == k {
			return kn.name
		}
	}
	return "unknown"
}

// ParseKind resolves a free-form model identifier such as
// "Qwen2-VL-7B-Instruct" or "llava-1.5" by case-insensitive substring match.
func ParseKind(identifier string) (Kind, error) {
	lower := strings.ToLower(identifier)
	for _, kn := range kindNames {
		if strings.Contains(lower, kn.name) {
			return kn.kind, nil
		}
	}
	return KindUnknown, apperrors.UnknownBackendError(identifier)
}

// Kinds returns every known variant in match order.
func Kinds() []Kind {
	kinds := make([]Kind, len(kindNames))
	for i, kn := range kindNames {
		kinds[i] = kn.kind
	}
	return kinds
}
