package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Metrics contracts: pure interfaces + helpers, no backend binding. Callers
// supply timestamps implicitly by call ordering; nothing here calls
// time.Now. Labels are bounded and normalized to prevent cardinality bombs.

type Labels map[string]string

const (
	MaxLabelPairs  = 32
	MaxLabelKeyLen = 64
	MaxLabelValLen = 256
)

var (
	ErrInvalidLabels = errors.New("telemetry: invalid labels")
	ErrInvalidValue  = errors.New("telemetry: invalid metric value")
)

// DefaultHistogramBuckets returns a shared recommended bucket set, in
// seconds, covering 5ms..10s.
func DefaultHistogramBuckets() []float64 {
	return []float64{
		0.005, 0.01, 0.025, 0.05,
		0.1, 0.25, 0.5, 1.0,
		2.5, 5.0, 10.0,
	}
}

// NormalizeLabels returns a bounded, normalized copy of labels: lowercased
// and trimmed keys, trimmed/truncated values, deterministically limited to
// MaxLabelPairs by sorted key order.
func NormalizeLabels(in Labels) (Labels, error) {
	if len(in) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(in))
	for _, k := range keys {
		k2 := strings.ToLower(strings.TrimSpace(k))
		if k2 == "" || len(k2) > MaxLabelKeyLen {
			continue
		}
		if !isValidLabelKey(k2) {
			return nil, fmt.Errorf("%w: invalid label key charset %q", ErrInvalidLabels, k2)
		}
		v := strings.TrimSpace(in[k])
		if len(v) > MaxLabelValLen {
			v = v[:MaxLabelValLen]
		}
		if !isValidLabelValue(v) {
			return nil, fmt.Errorf("%w: invalid label value charset for key %q", ErrInvalidLabels, k2)
		}
		out[k2] = v
		if len(out) >= MaxLabelPairs {
			break
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return Labels(out), nil
}

// Fingerprint returns a deterministic SHA-256 over normalized labels.
func (l Labels) Fingerprint() (string, error) {
	n, err := NormalizeLabels(l)
	if err != nil {
		return "", err
	}
	if len(n) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(n))
	for k := range n {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	for _, k := range keys {
		write(k)
		write(n[k])
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Meter is the minimal metrics interface; implementations export to
// Prometheus, OTel, logs, or nowhere at all (NopMeter).
type Meter interface {
	IncCounter(ctx context.Context, name string, delta int64, labels Labels) error
	SetGauge(ctx context.Context, name string, value float64, labels Labels) error
	ObserveHistogram(ctx context.Context, name string, value float64, buckets []float64, labels Labels) error
}

// NopMeter is a safe no-op meter, the default sink the engine uses until a
// caller wires one in.
type NopMeter struct{}

var NopMeterInstance = NopMeter{}

func (NopMeter) IncCounter(context.Context, string, int64, Labels) error                   { return nil }
func (NopMeter) SetGauge(context.Context, string, float64, Labels) error                   { return nil }
func (NopMeter) ObserveHistogram(context.Context, string, float64, []float64, Labels) error { return nil }

// ValidateMetricName enforces the charset [a-z][a-z0-9:_-]{0,127}.
func ValidateMetricName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: metric name required", ErrInvalidValue)
	}
	if len(name) > 128 {
		return fmt.Errorf("%w: metric name too long", ErrInvalidValue)
	}
	for i, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == ':'
		if !ok || (i == 0 && (r < 'a' || r > 'z')) {
			return fmt.Errorf("%w: invalid metric name %q", ErrInvalidValue, name)
		}
	}
	return nil
}

func ValidateFloat(value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: non-finite float", ErrInvalidValue)
	}
	return nil
}

// ValidateBuckets ensures histogram buckets are strictly increasing and finite.
func ValidateBuckets(b []float64) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: buckets required", ErrInvalidValue)
	}
	prev := b[0]
	if err := ValidateFloat(prev); err != nil {
		return err
	}
	for i := 1; i < len(b); i++ {
		if err := ValidateFloat(b[i]); err != nil {
			return err
		}
		if b[i] <= prev {
			return fmt.Errorf("%w: buckets must be strictly increasing", ErrInvalidValue)
		}
		prev = b[i]
	}
	return nil
}

// Safe wrappers: normalize labels and validate names/values/buckets before
// delegating to the meter, so a bad call site can't corrupt a metrics backend.

func IncCounter(m Meter, ctx context.Context, name string, delta int64, labels Labels) error {
	if m == nil {
		m = NopMeterInstance
	}
	if err := ValidateMetricName(name); err != nil {
		return err
	}
	nl, err := NormalizeLabels(labels)
	if err != nil {
		return err
	}
	return m.IncCounter(ctx, name, delta, nl)
}

func SetGauge(m Meter, ctx context.Context, name string, value float64, labels Labels) error {
	if m == nil {
		m = NopMeterInstance
	}
	if err := ValidateMetricName(name); err != nil {
		return err
	}
	if err := ValidateFloat(value); err != nil {
		return err
	}
	nl, err := NormalizeLabels(labels)
	if err != nil {
		return err
	}
	return m.SetGauge(ctx, name, value, nl)
}

func ObserveHistogram(m Meter, ctx context.Context, name string, value float64, buckets []float64, labels Labels) error {
	if m == nil {
		m = NopMeterInstance
	}
	if err := ValidateMetricName(name); err != nil {
		return err
	}
	if err := ValidateFloat(value); err != nil {
		return err
	}
	if err := ValidateBuckets(buckets); err != nil {
		return err
	}
	nl, err := NormalizeLabels(labels)
	if err != nil {
		return err
	}
	return m.ObserveHistogram(ctx, name, value, buckets, nl)
}

// Charset policy, defensive for exporters like Prometheus: keys restricted
// to [a-z0-9_-.:], values to [A-Za-z0-9_-.:] plus space.

func isValidLabelKey(k string) bool {
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.' || r == ':':
		default:
			return false
		}
	}
	return true
}

func isValidLabelValue(v string) bool {
	for _, r := range v {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == ' ' || r == '_' || r == '-' || r == '.' || r == ':':
		default:
			return false
		}
	}
	return true
}
