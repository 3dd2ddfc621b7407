package provenance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Hint carries a label across an HTTP boundary: data serialised out of one
// execution and inlined into the next program stays labelled when the caller
// submits the matching hint.
type Hint struct {
	Digest   string    `json:"digest"`
	Metadata *Metadata `json:"metadata"`
	// Token is the signed form. When a signer is configured, only hints with
	// a valid token are accepted from callers.
	Token string `json:"token,omitempty"`
}

// Signer signs and verifies hint tokens with an HMAC secret.
// A nil Signer means hints are accepted unsigned (trusted callers only).
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer. Empty secret returns nil: unsigned mode.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

type tokenPayload struct {
	Digest   string    `json:"digest"`
	Metadata *Metadata `json:"metadata"`
}

// Sign produces a token binding a digest to its label.
func (s *Signer) Sign(digest string, meta *Metadata) (string, error) {
	payload, err := json.Marshal(tokenPayload{Digest: digest, Metadata: meta})
	if err != nil {
		return "", fmt.Errorf("failed to encode hint payload: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + s.mac(body), nil
}

// Verify checks a token and returns its digest and label.
func (s *Signer) Verify(token string) (string, *Metadata, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", nil, fmt.Errorf("malformed provenance token")
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(body))) {
		return "", nil, fmt.Errorf("provenance token signature mismatch")
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", nil, fmt.Errorf("malformed provenance token body: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal(payload, &tp); err != nil {
		return "", nil, fmt.Errorf("malformed provenance token payload: %w", err)
	}
	return tp.Digest, tp.Metadata, nil
}

func (s *Signer) mac(body string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

// ApplyHints pre-populates a scope's taint map from caller-supplied hints.
// With a signer configured, hints must carry valid tokens; without one, raw
// digest+metadata pairs are accepted as-is.
func ApplyHints(scope *Scope, signer *Signer, hints []Hint) error {
	for _, h := range hints {
		if signer != nil {
			if h.Token == "" {
				return fmt.Errorf("provenance hint missing token")
			}
			digest, meta, err := signer.Verify(h.Token)
			if err != nil {
				return err
			}
			scope.MarkDigest(digest, meta)
			continue
		}
		if h.Digest == "" || h.Metadata == nil {
			return fmt.Errorf("provenance hint missing digest or metadata")
		}
		scope.MarkDigest(h.Digest, h.Metadata)
	}
	return nil
}
