package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownAuthKind = errors.New("unknown auth kind")

type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBasic  AuthKind = "basic"
	AuthBearer AuthKind = "bearer"
	AuthAPIKey AuthKind = "api_key"
	AuthHMAC   AuthKind = "hmac"
)

const (
	KeyInHeader = "header"
	KeyInQuery  = "query"

	DefaultAPIKeyName = "X-API-Key"
)

// AuthConfig is one of NoAuth, BasicAuth, BearerAuth, APIKeyAuth or HMACAuth.
type AuthConfig interface {
	Kind() AuthKind
}

type NoAuth struct{}

type BasicAuth struct {
	Username string
	Password string
}

type BearerAuth struct {
	Token string
}

type APIKeyAuth struct {
	Name     string
	Value    string
	Location string
}

type HMACAuth struct {
	Secret string
	Algo   string
}

func (NoAuth) Kind() AuthKind     { return AuthNone }
func (BasicAuth) Kind() AuthKind  { return AuthBasic }
func (BearerAuth) Kind() AuthKind { return AuthBearer }
func (APIKeyAuth) Kind() AuthKind { return AuthAPIKey }
func (HMACAuth) Kind() AuthKind   { return AuthHMAC }

// authJSON is the serialized shape written by the admin surface.
type authJSON struct {
	Type       string `json:"type"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	Token      string `json:"token"`
	KeyName    string `json:"keyName"`
	KeyValue   string `json:"keyValue"`
	KeyIn      string `json:"keyIn"`
	HMACSecret string `json:"hmacSecret"`
	HMACAlgo   string `json:"hmacAlgo"`
}

// ParseAuthConfig decodes the auth JSON blob. Empty, "null" and type "none"
// yield NoAuth; unrecognized types are rejected.
func ParseAuthConfig(raw string) (AuthConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return NoAuth{}, nil
	}
	var a authJSON
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("parse auth config: %w", err)
	}
	switch AuthKind(a.Type) {
	case "", AuthNone:
		return NoAuth{}, nil
	case AuthBasic:
		return BasicAuth{Username: a.Username, Password: a.Password}, nil
	case AuthBearer:
		return BearerAuth{Token: a.Token}, nil
	case AuthAPIKey:
		loc := strings.ToLower(strings.TrimSpace(a.KeyIn))
		if loc == "" {
			loc = KeyInHeader
		}
		if loc != KeyInHeader && loc != KeyInQuery {
			return nil, fmt.Errorf("api_key location %q: %w", a.KeyIn, ErrUnknownAuthKind)
		}
		name := a.KeyName
		if name == "" {
			name = DefaultAPIKeyName
		}
		return APIKeyAuth{Name: name, Value: a.KeyValue, Location: loc}, nil
	case AuthHMAC:
		algo := strings.ToLower(strings.TrimSpace(a.HMACAlgo))
		if algo == "" {
			algo = "sha256"
		}
		if algo != "sha256" && algo != "sha512" {
			return nil, fmt.Errorf("hmac algorithm %q: %w", a.HMACAlgo, ErrUnknownAuthKind)
		}
		return HMACAuth{Secret: a.HMACSecret, Algo: algo}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAuthKind, a.Type)
	}
}

