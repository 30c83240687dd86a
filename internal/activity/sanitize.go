package activity

// StatusError is an error that carries an upstream HTTP status. Errors
// recorded into activity metadata are collapsed to {message, status?} so
// provider internals never reach the client.
type StatusError interface {
	error
	Status() int
}

// SanitizeMeta returns a copy of meta safe for storage and replay: any
// "token" field is redacted and any error value is collapsed to a small
// map. Nested maps are sanitized recursively. A nil input stays nil.
func SanitizeMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if k == "token" {
			out[k] = "[redacted]"
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case StatusError:
		return map[string]any{"message": val.Error(), "status": val.Status()}
	case error:
		return map[string]any{"message": val.Error()}
	case map[string]any:
		return SanitizeMeta(val)
	default:
		return v
	}
}
