package provider

import (
	"fmt"
	"math"
	"sort"
)

// Params is the generic parameter bag callers attach to a request. Keys use
// the caller-facing names (aspectRatio, resolution, seed, guidanceScale,
// numInferenceSteps, negativePrompt, duration, numImages); adapters translate
// to wire names.
type Params map[string]any

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the parameter as a string when present.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns the parameter as an int, accepting JSON numbers.
func (p Params) Int(key string) (int, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}

// Float returns the parameter as a float64, accepting JSON numbers.
func (p Params) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Describe renders a compact key=value listing for logs.
func (p Params) Describe() string {
	out := ""
	for i, k := range p.Keys() {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", k, p[k])
	}
	return out
}
