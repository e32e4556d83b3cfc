package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

// Headers covered by outbound signatures.
var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// SignRequest signs an outgoing request on behalf of keyId and sets the
// Date, Host and Digest headers it covers.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)
	req.Header.Del("Digest")
	if body == nil {
		body = []byte{}
	}

	return signer.SignRequest(privateKey, keyId, req, body)
}

// signatureParams are the parameters of a Signature header.
type signatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
}

func (p signatureParams) covers(header string) bool {
	for _, h := range p.Headers {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// signatureHeader returns the raw signature parameters from either the
// Signature header or an Authorization header using the Signature scheme.
func signatureHeader(h http.Header) string {
	if sig := h.Get("Signature"); sig != "" {
		return sig
	}
	auth := h.Get("Authorization")
	if scheme, rest, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Signature") {
		return rest
	}
	return ""
}

// parseSignatureParams splits key="value" pairs separated by commas.
// Quoted values may contain commas.
func parseSignatureParams(raw string) (signatureParams, error) {
	var p signatureParams
	for len(raw) > 0 {
		raw = strings.TrimLeft(raw, " ,")
		if raw == "" {
			break
		}
		key, rest, ok := strings.Cut(raw, "=")
		if !ok {
			return p, fmt.Errorf("malformed signature parameter %q", raw)
		}
		key = strings.ToLower(strings.TrimSpace(key))

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return p, fmt.Errorf("unterminated value for %q", key)
			}
			value = rest[1 : end+1]
			raw = rest[end+2:]
		} else {
			value, raw, _ = strings.Cut(rest, ",")
			value = strings.TrimSpace(value)
		}

		switch key {
		case "keyid":
			p.KeyID = value
		case "algorithm":
			p.Algorithm = strings.ToLower(value)
		case "headers":
			p.Headers = strings.Fields(strings.ToLower(value))
		case "signature":
			p.Signature = value
		}
	}
	if len(p.Headers) == 0 {
		p.Headers = []string{"date"}
	}
	return p, nil
}

// supportedAlgorithm accepts the algorithms that verify with an RSA key and
// SHA-256. hs2019 leaves the choice to the key, which is RSA for every
// actor we can resolve.
func supportedAlgorithm(algo string) bool {
	switch algo {
	case "", "rsa-sha256", "hs2019":
		return true
	}
	return false
}

// digestMatches checks a Digest header value against the SHA-256 of body.
func digestMatches(header string, body []byte) bool {
	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(value), []byte(want)) == 1 {
			return true
		}
	}
	return false
}

// keyOwner strips the fragment from a key id.
func keyOwner(keyID string) string {
	owner, _, _ := strings.Cut(keyID, "#")
	return owner
}
