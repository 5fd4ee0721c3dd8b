package forward

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relay/internal/types"
)

const SignatureHeader = "X-Webhook-Signature"

// DecodeBody reverses the base64 transport encoding. A value that is not
// valid base64 is used verbatim.
func DecodeBody(raw string) []byte {
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return []byte(raw)
	}
	return b
}

// BuildHeaders parses the serialized inbound headers, drops the mapping's
// remove set and then overlays its add headers. Removal runs first so an
// added header survives even when a differently-cased name is removed.
func BuildHeaders(raw string, m *types.Mapping) http.Header {
	h := http.Header{}
	var in map[string]any
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			in = nil
		}
	}
	for k, v := range in {
		if m.Removes(k) {
			continue
		}
		h.Set(k, headerValue(v))
	}
	if m != nil {
		for k, v := range m.AddHeaders {
			h.Set(k, v)
		}
	}
	return h
}

func headerValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ", ")
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// ApplyAuth injects credentials into the outgoing headers, or for query
// api keys into the target URL.
func ApplyAuth(h http.Header, u *url.URL, auth types.AuthConfig, body []byte, now time.Time) {
	switch a := auth.(type) {
	case types.BasicAuth:
		cred := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		h.Set("Authorization", "Basic "+cred)
	case types.BearerAuth:
		h.Set("Authorization", "Bearer "+a.Token)
	case types.APIKeyAuth:
		name := a.Name
		if name == "" {
			name = types.DefaultAPIKeyName
		}
		switch a.Location {
		case types.KeyInQuery:
			q := u.Query()
			q.Set(name, a.Value)
			u.RawQuery = q.Encode()
		default:
			h.Set(name, a.Value)
		}
	case types.HMACAuth:
		h.Set(SignatureHeader, Sign(a, body, now))
	}
}

// Sign returns "t=<unix>,v1=<hex mac>" over the timestamp, a newline and the body.
func Sign(a types.HMACAuth, body []byte, now time.Time) string {
	var fn func() hash.Hash = sha256.New
	if a.Algo == "sha512" {
		fn = sha512.New
	}
	ts := fmt.Sprintf("%d", now.Unix())
	mac := hmac.New(fn, []byte(a.Secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
