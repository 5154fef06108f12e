// Package signature verifies the HMAC-SHA256 signature Juspay attaches to
// return-redirect parameters.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

const (
	// Field carries the signature in the parameter set.
	Field = "signature"
	// AlgorithmField names the signing algorithm and is excluded from the payload.
	AlgorithmField = "signature_algorithm"
)

// formEncode escapes s the way HTML form encoding does: space becomes '+',
// every byte outside [A-Za-z0-9_.-] is percent-encoded.
func formEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "~", "%7E")
}

// Payload builds the canonical string that is signed: each key and value
// form-encoded, pairs sorted by encoded key, joined with '&', and the whole
// string form-encoded once more.
func Payload(params map[string]string) string {
	encoded := make(map[string]string, len(params))
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == Field || k == AlgorithmField {
			continue
		}
		ek := formEncode(k)
		encoded[ek] = formEncode(v)
		keys = append(keys, ek)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(encoded[k])
	}
	return formEncode(b.String())
}

// Sign returns the base64 HMAC-SHA256 of the canonical payload of params.
func Sign(params map[string]string, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Payload(params)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether params carries a signature matching the one computed
// with secret. A missing signature, an empty secret or an undecodable
// signature all verify as false.
func Verify(params map[string]string, secret string) bool {
	received, ok := params[Field]
	if !ok || received == "" || secret == "" {
		return false
	}
	receivedRaw, err := url.QueryUnescape(received)
	if err != nil {
		return false
	}
	computed, err := url.QueryUnescape(Sign(params, secret))
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(computed), []byte(receivedRaw))
}
