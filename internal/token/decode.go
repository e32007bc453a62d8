package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// Code identifies why a token failed decoding or validation.
type Code string

const (
	CodeMissingParts          Code = "MISSING_PARTS"
	CodeDecodeError           Code = "DECODE_ERROR"
	CodeMissingRequiredFields Code = "MISSING_REQUIRED_FIELDS"
	CodeTokenExpired          Code = "TOKEN_EXPIRED"
	CodeFutureToken           Code = "FUTURE_TOKEN"
	CodeInvalidRole           Code = "INVALID_ROLE"
)

var (
	// ErrMissingParts indicates the token does not have exactly three
	// dot-separated segments.
	ErrMissingParts = errors.New("token: missing parts")
	// ErrDecode indicates the payload segment could not be decoded.
	ErrDecode = errors.New("token: undecodable payload")
)

// Decode extracts the claim set from a compact three-segment token without
// verifying the signature. Signature verification happens upstream; this is
// a UX/liveness convenience, never a trust decision.
func Decode(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingParts
	}
	segments := strings.Split(raw, ".")
	if len(segments) != 3 {
		return nil, ErrMissingParts
	}
	payload, err := decodeSegment(segments[1])
	if err != nil {
		return nil, ErrDecode
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrDecode
	}
	return &claims, nil
}

// decodeSegment tolerates both padded and unpadded base64url input.
func decodeSegment(seg string) ([]byte, error) {
	seg = strings.TrimRight(seg, "=")
	return base64.RawURLEncoding.DecodeString(seg)
}

// DecodeCode maps a decode failure to its wire code.
func DecodeCode(err error) Code {
	if errors.Is(err, ErrMissingParts) {
		return CodeMissingParts
	}
	return CodeDecodeError
}
