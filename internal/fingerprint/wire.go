package fingerprint

import (
	"encoding/json"
	"fmt"

	"github.com/pipegraph/pipegraph/internal/job"
)

// Fingerprint is declared `any` in the job package because the scheduler
// never inspects its shape — equality is always delegated. Persisting it
// (history store, the isolated-child IPC channel) still needs a concrete
// wire form, so this tagged envelope stands in for the pickling the
// original Python implementation got for free.
type wireEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeValue serializes a single fingerprint to its wire envelope.
func EncodeValue(fp job.Fingerprint) (json.RawMessage, error) {
	env, err := encodeEnvelope(fp)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(raw json.RawMessage) (job.Fingerprint, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return decodeEnvelope(env)
}

// EncodeMap serializes a whole fingerprint map, preserving nil as {}.
func EncodeMap(m map[string]job.Fingerprint) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		raw, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode fingerprint %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

// DecodeMap is the inverse of EncodeMap.
func DecodeMap(m map[string]json.RawMessage) (map[string]job.Fingerprint, error) {
	out := make(map[string]job.Fingerprint, len(m))
	for k, v := range m {
		fp, err := DecodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("decode fingerprint %q: %w", k, err)
		}
		out[k] = fp
	}
	return out, nil
}

func encodeEnvelope(fp job.Fingerprint) (wireEnvelope, error) {
	switch v := fp.(type) {
	case nil:
		return wireEnvelope{Kind: "nil"}, nil
	case FileFingerprint:
		data, err := json.Marshal(v)
		return wireEnvelope{Kind: "file", Data: data}, err
	case string:
		data, err := json.Marshal(v)
		return wireEnvelope{Kind: "string", Data: data}, err
	case float64:
		data, err := json.Marshal(v)
		return wireEnvelope{Kind: "number", Data: data}, err
	case int:
		data, err := json.Marshal(v)
		return wireEnvelope{Kind: "number", Data: data}, err
	case int64:
		data, err := json.Marshal(v)
		return wireEnvelope{Kind: "number", Data: data}, err
	case bool:
		data, err := json.Marshal(v)
		return wireEnvelope{Kind: "bool", Data: data}, err
	case job.ProbeForce:
		return wireEnvelope{Kind: "probe_force"}, nil
	case job.ProbeIgnore:
		return wireEnvelope{Kind: "probe_ignore"}, nil
	case job.ProbeValue:
		inner, err := encodeEnvelope(v.Fingerprint)
		if err != nil {
			return wireEnvelope{}, err
		}
		data, err := json.Marshal(inner)
		return wireEnvelope{Kind: "probe_value", Data: data}, err
	default:
		return wireEnvelope{}, fmt.Errorf("fingerprint: no wire encoding for %T", fp)
	}
}

func decodeEnvelope(env wireEnvelope) (job.Fingerprint, error) {
	switch env.Kind {
	case "", "nil":
		return nil, nil
	case "file":
		var f FileFingerprint
		if err := json.Unmarshal(env.Data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case "string":
		var s string
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case "number":
		var n float64
		if err := json.Unmarshal(env.Data, &n); err != nil {
			return nil, err
		}
		return n, nil
	case "bool":
		var b bool
		if err := json.Unmarshal(env.Data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "probe_force":
		return job.ProbeForce{}, nil
	case "probe_ignore":
		return job.ProbeIgnore{}, nil
	case "probe_value":
		var inner wireEnvelope
		if err := json.Unmarshal(env.Data, &inner); err != nil {
			return nil, err
		}
		v, err := decodeEnvelope(inner)
		if err != nil {
			return nil, err
		}
		return job.ProbeValue{Fingerprint: v}, nil
	default:
		return nil, fmt.Errorf("fingerprint: unknown wire kind %q", env.Kind)
	}
}
