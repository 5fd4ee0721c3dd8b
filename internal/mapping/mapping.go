// Package mapping loads per-endpoint forwarding rules written by the admin
// surface into Redis hashes.
package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"relay/internal/types"
)

const KeyPrefix = "local_mapping:"

var (
	ErrNoMapping       = errors.New("no mapping for endpoint")
	ErrMappingInactive = errors.New("mapping is disabled")
	ErrNoTargetURL     = errors.New("mapping has no target url")
)

// Skippable reports whether err means the event has nowhere to go and
// should be acknowledged without counting as a failure.
func Skippable(err error) bool {
	return errors.Is(err, ErrNoMapping) || errors.Is(err, ErrMappingInactive) || errors.Is(err, ErrNoTargetURL)
}

type Resolver struct {
	Rdb *redis.Client
}

func NewResolver(rdb *redis.Client) *Resolver { return &Resolver{Rdb: rdb} }

func (r *Resolver) Resolve(ctx context.Context, endpointID string) (*types.Mapping, error) {
	data, err := r.Rdb.HGetAll(ctx, KeyPrefix+endpointID).Result()
	if err != nil {
		return nil, fmt.Errorf("load mapping %s: %w", endpointID, err)
	}
	if len(data) == 0 {
		return nil, ErrNoMapping
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", endpointID, err)
	}
	if !m.Active {
		return m, ErrMappingInactive
	}
	if strings.TrimSpace(m.TargetURL) == "" {
		return m, ErrNoTargetURL
	}
	return m, nil
}

// Parse decodes the hash fields of one mapping.
func Parse(data map[string]string) (*types.Mapping, error) {
	m := &types.Mapping{
		ID:         data["id"],
		EndpointID: data["serverEndpointId"],
		TargetURL:  data["localTargetUrl"],
		Active:     data["isActive"] == "1",
	}

	auth, err := types.ParseAuthConfig(data["authConfig"])
	if err != nil {
		return nil, err
	}
	m.Auth = auth

	if m.Retry, err = types.ParseRetryPolicy(data["retryOverride"]); err != nil {
		return nil, err
	}

	if raw := strings.TrimSpace(data["addHeaders"]); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &m.AddHeaders); err != nil {
			return nil, fmt.Errorf("parse addHeaders: %w", err)
		}
	}
	if raw := strings.TrimSpace(data["removeHeaders"]); raw != "" && raw != "null" {
		var names []string
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			return nil, fmt.Errorf("parse removeHeaders: %w", err)
		}
		m.RemoveHeaders = make(map[string]struct{}, len(names))
		for _, n := range names {
			m.RemoveHeaders[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
		}
	}
	return m, nil
}

// Fields is the inverse of Parse, used by tooling and tests to seed mappings.
func Fields(m *types.Mapping, authJSON string) map[string]interface{} {
	add, _ := json.Marshal(m.AddHeaders)
	remove := make([]string, 0, len(m.RemoveHeaders))
	for n := range m.RemoveHeaders {
		remove = append(remove, n)
	}
	rm, _ := json.Marshal(remove)
	retry := []byte("null")
	if m.Retry != nil {
		retry, _ = json.Marshal(m.Retry)
	}
	active := "0"
	if m.Active {
		active = "1"
	}
	if authJSON == "" {
		authJSON = "null"
	}
	return map[string]interface{}{
		"id":               m.ID,
		"serverEndpointId": m.EndpointID,
		"localTargetUrl":   m.TargetURL,
		"authConfig":       authJSON,
		"retryOverride":    string(retry),
		"addHeaders":       string(add),
		"removeHeaders":    string(rm),
		"isActive":         active,
	}
}
