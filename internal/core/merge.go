package core

// Merge returns snapshot with delta applied. Objects are merged key by key,
// every other value replaces the previous one, arrays included. Neither
// argument is modified; unchanged nested objects are shared with the result.
func Merge(snapshot, delta map[string]any) map[string]any {
	out := make(map[string]any, len(snapshot)+len(delta))
	for k, v := range snapshot {
		out[k] = v
	}
	for k, dv := range delta {
		dm, ok := dv.(map[string]any)
		if !ok {
			out[k] = dv
			continue
		}
		sm, _ := out[k].(map[string]any)
		out[k] = Merge(sm, dm)
	}
	return out
}
