package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Canonical signature headers.
const (
	HeaderID        = "Webhook-Id"
	HeaderTimestamp = "Webhook-Timestamp"
	HeaderSignature = "Webhook-Signature"

	secretPrefix     = "whsec_"
	signatureVersion = "v1"
)

// DefaultTolerance is the maximum accepted distance between the signed
// timestamp and the local clock.
const DefaultTolerance = 5 * time.Minute

// HMACConfig configures HMACVerifier.
type HMACConfig struct {
	// Secrets are the accepted signing secrets; more than one during rotation.
	// A "whsec_" prefix marks a base64 encoded secret.
	Secrets []string

	// Tolerance bounds the age of the signed timestamp (default: 5m)
	Tolerance time.Duration

	// Provider labels verified events (default: "billing")
	Provider string
}

// HMACVerifier checks the canonical scheme: HMAC-SHA256 over
// id + "." + timestamp + "." + body, sent as space separated "v1,<base64>"
// entries in the Webhook-Signature header.
type HMACVerifier struct {
	secrets   [][]byte
	tolerance time.Duration
	provider  string
	now       func() time.Time
}

// NewHMACVerifier creates a verifier. At least one secret is required.
func NewHMACVerifier(config HMACConfig) (*HMACVerifier, error) {
	if len(config.Secrets) == 0 {
		return nil, fmt.Errorf("webhook: at least one secret is required")
	}
	secrets := make([][]byte, 0, len(config.Secrets))
	for _, s := range config.Secrets {
		key, err := DecodeSecret(s)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, key)
	}
	if config.Tolerance <= 0 {
		config.Tolerance = DefaultTolerance
	}
	if config.Provider == "" {
		config.Provider = "billing"
	}
	return &HMACVerifier{
		secrets:   secrets,
		tolerance: config.Tolerance,
		provider:  config.Provider,
		now:       time.Now,
	}, nil
}

// DecodeSecret returns the signing key for secret.
func DecodeSecret(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("webhook: empty secret")
	}
	if rest, ok := strings.CutPrefix(secret, secretPrefix); ok {
		key, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("webhook: decode secret: %w", err)
		}
		return key, nil
	}
	return []byte(secret), nil
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(body []byte, headers http.Header) (*VerifiedEvent, error) {
	id := headers.Get(HeaderID)
	rawTS := headers.Get(HeaderTimestamp)
	rawSig := headers.Get(HeaderSignature)
	if id == "" || rawTS == "" || rawSig == "" {
		return nil, fmt.Errorf("%w: missing %s, %s or %s", ErrMalformedHeaders, HeaderID, HeaderTimestamp, HeaderSignature)
	}

	unix, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp %q", ErrMalformedHeaders, rawTS)
	}
	ts := time.Unix(unix, 0).UTC()

	now := v.now()
	if now.Sub(ts) > v.tolerance || ts.Sub(now) > v.tolerance {
		return nil, fmt.Errorf("%w: %s", ErrStaleTimestamp, ts.Format(time.RFC3339))
	}

	var sigs [][]byte
	for _, entry := range strings.Fields(rawSig) {
		version, encoded, ok := strings.Cut(entry, ",")
		if !ok || version != signatureVersion {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		sigs = append(sigs, sig)
	}
	if len(sigs) == 0 {
		return nil, fmt.Errorf("%w: no %s signature", ErrMalformedHeaders, signatureVersion)
	}

	for _, key := range v.secrets {
		expected := computeMAC(key, id, rawTS, body)
		for _, sig := range sigs {
			if hmac.Equal(expected, sig) {
				return &VerifiedEvent{
					ID:        id,
					Timestamp: ts,
					Payload:   body,
					Provider:  v.provider,
				}, nil
			}
		}
	}
	return nil, ErrInvalidSignature
}

func computeMAC(key []byte, id, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns a Webhook-Signature value for body. Senders and tests use it.
func Sign(secret, id string, ts time.Time, body []byte) (string, error) {
	key, err := DecodeSecret(secret)
	if err != nil {
		return "", err
	}
	mac := computeMAC(key, id, strconv.FormatInt(ts.Unix(), 10), body)
	return signatureVersion + "," + base64.StdEncoding.EncodeToString(mac), nil
}

// SignedHeaders returns the three canonical headers for body.
func SignedHeaders(secret, id string, ts time.Time, body []byte) (http.Header, error) {
	sig, err := Sign(secret, id, ts, body)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set(HeaderID, id)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	h.Set(HeaderSignature, sig)
	return h, nil
}
