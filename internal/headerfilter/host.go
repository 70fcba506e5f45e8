package headerfilter

import "strings"

// ValidateHost implements the injected-Host-header validation state
// machine: reject embedded NULs, path separators and empty labels
// ("..", bare slash-adjacent dots); recognize a bracketed IP-literal;
// truncate at ":port"; lowercase if any upper-case ASCII occurred; strip
// a trailing dot. Returns the canonical host text on success.
func ValidateHost(raw string) (string, error) {
	if raw == "" {
		return "", newErr(ProtocolInvalid, "validate_host", errEmptyHost)
	}

	s := raw
	bracketed := strings.HasPrefix(s, "[")
	if bracketed {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", newErr(ProtocolInvalid, "validate_host", errBadHost)
		}
		literal := s[:end+1]
		rest := s[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return "", newErr(ProtocolInvalid, "validate_host", errBadHost)
			}
		}
		if err := scanHostBody(literal[1:end]); err != nil {
			return "", err
		}
		return lowerASCIIIfNeeded(literal), nil
	}

	if colon := strings.IndexByte(s, ':'); colon >= 0 {
		s = s[:colon]
	}

	if err := validateHostLabels(s); err != nil {
		return "", err
	}

	s = strings.TrimSuffix(s, ".")
	return lowerASCIIIfNeeded(s), nil
}

func scanHostBody(s string) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0 || c == '/' || c == '\\' {
			return newErr(ProtocolInvalid, "validate_host", errBadHost)
		}
	}
	return nil
}

func validateHostLabels(s string) error {
	if s == "" {
		return newErr(ProtocolInvalid, "validate_host", errEmptyHost)
	}
	labelLen := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == 0:
			return newErr(ProtocolInvalid, "validate_host", errBadHost)
		case c == '/' || c == '\\':
			return newErr(ProtocolInvalid, "validate_host", errBadHost)
		case c == '.':
			if labelLen == 0 && i != len(s)-1 {
				// ".." or leading "." with more following: empty label
				return newErr(ProtocolInvalid, "validate_host", errEmptyLabel)
			}
			labelLen = 0
		default:
			labelLen++
		}
	}
	return nil
}

func lowerASCIIIfNeeded(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			return lowerASCII(s)
		}
	}
	return s
}

var (
	errEmptyHost  = hostErr("empty host")
	errBadHost    = hostErr("invalid host")
	errEmptyLabel = hostErr("empty host label")
)

type hostErr string

func (e hostErr) Error() string { return string(e) }
