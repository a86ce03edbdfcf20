// Package patch implements RFC 7396 JSON Merge Patch over the interface{}
// JSON tree shape produced by internal/canonical.
package patch

// MergePatch applies patch to target per RFC 7396:
//   - if patch is not an object, patch itself is the result
//   - if target is not an object, it is treated as empty
//   - for each key in patch: a null value deletes the key from the result;
//     a nested object recurses when the target key is also an object;
//     any other value replaces
//
// The result shares no structure with target or patch (deep-independent).
func MergePatch(target, patch interface{}) interface{} {
	patchObj, ok := patch.(map[string]interface{})
	if !ok {
		return deepCopy(patch)
	}

	targetObj, ok := target.(map[string]interface{})
	if !ok {
		targetObj = map[string]interface{}{}
	}

	result := make(map[string]interface{}, len(targetObj))
	for k, v := range targetObj {
		result[k] = deepCopy(v)
	}

	for k, v := range patchObj {
		if v == nil {
			delete(result, k)
			continue
		}
		if nestedPatch, isObj := v.(map[string]interface{}); isObj {
			if nestedTarget, isObj := result[k].(map[string]interface{}); isObj {
				result[k] = MergePatch(nestedTarget, nestedPatch)
				continue
			}
		}
		result[k] = deepCopy(v)
	}
	return result
}

func deepCopy(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, val := range vv {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return vv
	}
}
