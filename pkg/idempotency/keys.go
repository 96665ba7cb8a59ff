// Package idempotency builds and parses the dedup keys the event store uses
// to guarantee exactly-once effects over an at-least-once transport. Keys
// are unique within (tenant, workspace); nothing in this package touches a
// store — lookup/commit of a key's recorded outputs lives in eventstore.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	KeyVersion = "v1"

	MaxTenantLen    = 64
	MaxWorkspaceLen = 64
	MaxKeyLen       = 320

	MaxParts = 32
	MaxBytes = 32 * 1024 // 32 KiB input cap for hashing
)

var (
	ErrInvalidKey      = errors.New("idempotency: invalid key")
	ErrInputTooBig     = errors.New("idempotency: input too big")
	ErrInvalidWorkspace = errors.New("idempotency: invalid workspace")
)

// KeyParts is the parsed representation of "v1:<tenant>:<workspace>:<hash>".
type KeyParts struct {
	Version   string `json:"version"`
	Tenant    string `json:"tenant"`
	Workspace string `json:"workspace"`
	Hash      string `json:"hash"` // lowercase hex sha256
}

// BuildKey computes a deterministic key scoped to (tenant, workspace) from
// ordered parts (typically agent, verb, and whatever the caller supplied as
// an explicit idempotency_key on the inbound envelope).
func BuildKey(tenant, workspace string, parts ...any) (string, error) {
	tenant = normalizeTenant(tenant)
	workspace, err := normalizeWorkspace(workspace)
	if err != nil {
		return "", err
	}
	if len(parts) > MaxParts {
		return "", ErrInputTooBig
	}
	b, err := encodeDeterministic(parts)
	if err != nil {
		return "", err
	}
	if len(b) > MaxBytes {
		return "", ErrInputTooBig
	}
	sum := sha256.Sum256(b)
	hash := hex.EncodeToString(sum[:])
	key := fmt.Sprintf("%s:%s:%s:%s", KeyVersion, tenant, workspace, hash)
	if len(key) > MaxKeyLen {
		return "", ErrInvalidKey
	}
	return key, nil
}

// BuildKeyFromMap computes a deterministic key from named inputs by sorting
// keys before hashing, so callers don't need to think about ordering.
func BuildKeyFromMap(tenant, workspace string, m map[string]any) (string, error) {
	if m == nil {
		return BuildKey(tenant, workspace)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, strings.ToLower(strings.TrimSpace(k)))
	}
	sort.Strings(keys)
	parts := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		if k == "" {
			continue
		}
		parts = append(parts, k)
		parts = append(parts, m[k])
	}
	return BuildKey(tenant, workspace, parts...)
}

// ParseKey parses "v1:<tenant>:<workspace>:<sha256hex>".
func ParseKey(key string) (KeyParts, error) {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > MaxKeyLen {
		return KeyParts{}, ErrInvalidKey
	}
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return KeyParts{}, ErrInvalidKey
	}
	v, tenant, workspace, hash := parts[0], parts[1], parts[2], parts[3]
	if v != KeyVersion {
		return KeyParts{}, ErrInvalidKey
	}
	if err := validateTenant(tenant); err != nil {
		return KeyParts{}, err
	}
	nworkspace, err := normalizeWorkspace(workspace)
	if err != nil {
		return KeyParts{}, err
	}
	if hash == "" || len(hash) != 64 || !isLowerHex(hash) {
		return KeyParts{}, ErrInvalidKey
	}
	return KeyParts{Version: v, Tenant: tenant, Workspace: nworkspace, Hash: hash}, nil
}

// ValidateKey checks format and returns nil if valid.
func ValidateKey(key string) error {
	_, err := ParseKey(key)
	return err
}

// ---- normalization/validation ----

func normalizeTenant(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return "local"
	}
	if len(t) > MaxTenantLen {
		t = t[:MaxTenantLen]
	}
	out := make([]rune, 0, len(t))
	for _, r := range t {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "local"
	}
	return string(out)
}

func validateTenant(t string) error {
	if t == "" || len(t) > MaxTenantLen {
		return ErrInvalidKey
	}
	for _, r := range t {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidKey
	}
	return nil
}

func normalizeWorkspace(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || len(s) > MaxWorkspaceLen {
		return "", ErrInvalidWorkspace
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return "", ErrInvalidWorkspace
	}
	return s, nil
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			continue
		}
		return false
	}
	return true
}

// ---- deterministic encoder ----
//
// Avoids json.Marshal(map) nondeterminism: maps get sorted keys, slices keep
// order, strings are JSON-escaped, numbers go through a fixed formatting.
// Intended for hashing only, not user-facing serialization.

func encodeDeterministic(parts []any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encAny(&buf, parts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encAny(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		b, _ := json.Marshal(x)
		buf.Write(b)
		return nil
	case []byte:
		buf.WriteByte('"')
		buf.WriteString(hex.EncodeToString(x))
		buf.WriteByte('"')
		return nil
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
		return nil
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(x), 10))
		return nil
	case uint64:
		buf.WriteString(strconv.FormatUint(x, 10))
		return nil
	case float64:
		buf.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		return nil
	case json.Number:
		s := strings.TrimSpace(x.String())
		if s == "" {
			buf.WriteString("null")
			return nil
		}
		buf.WriteString(s)
		return nil
	case []any:
		buf.WriteByte('[')
		for i := 0; i < len(x); i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encAny(buf, x[i]); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, strings.ToLower(strings.TrimSpace(k)))
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		first := true
		for _, k := range keys {
			if k == "" {
				continue
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encAny(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case map[string]string:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, strings.ToLower(strings.TrimSpace(k)))
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			vb, _ := json.Marshal(x[k])
			buf.Write(kb)
			buf.WriteByte(':')
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
