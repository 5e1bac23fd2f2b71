package domain

import "encoding/json"

// UnmarshalJSON accepts either a bare scalar or a JSON array and normalizes
// both into Values, per spec's "field → value|value[]" shorthand.
func (f *FilterValue) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err == nil {
		f.Values = arr
		return nil
	}
	var scalar interface{}
	if err := json.Unmarshal(data, &scalar); err != nil {
		return err
	}
	f.Values = []interface{}{scalar}
	return nil
}

// MarshalJSON renders a single value as a scalar and multiple values as an
// array, mirroring the shape FilterValue was decoded from.
func (f FilterValue) MarshalJSON() ([]byte, error) {
	if len(f.Values) == 1 {
		return json.Marshal(f.Values[0])
	}
	return json.Marshal(f.Values)
}

// Matches reports whether any of f's values equals the candidate under
// simple equality (strings compared case-sensitively, numbers compared as
// float64 after JSON decode).
func (f FilterValue) Matches(candidate interface{}) bool {
	for _, v := range f.Values {
		if equalJSONValue(v, candidate) {
			return true
		}
	}
	return false
}

func equalJSONValue(a, b interface{}) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return a == b
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
