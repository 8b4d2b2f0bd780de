package mcp

// HasValidTypes reports whether every node of a JSON schema either
// declares a "type" or composes subschemas via a non-empty
// anyOf/allOf/oneOf whose members are all valid. Tools whose schemas
// fail this check are rejected during discovery: backends choke on
// untyped parameter nodes.
//
// Known to reject some schemas that are valid per the JSON-Schema spec
// (e.g. const-only nodes); kept as-is deliberately.
func HasValidTypes(schema map[string]any) bool {
	if schema == nil {
		return true
	}
	return validTypesNode(schema)
}

func validTypesNode(node map[string]any) bool {
	if !nodeHasType(node) {
		composed := false
		for _, key := range []string{"anyOf", "allOf", "oneOf"} {
			subs, ok := node[key].([]any)
			if !ok || len(subs) == 0 {
				continue
			}
			composed = true
			for _, sub := range subs {
				subMap, ok := sub.(map[string]any)
				if !ok || !validTypesNode(subMap) {
					return false
				}
			}
		}
		if !composed {
			return false
		}
	}

	if props, ok := node["properties"].(map[string]any); ok {
		for _, v := range props {
			if sub, ok := v.(map[string]any); ok && !validTypesNode(sub) {
				return false
			}
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		if !validTypesNode(items) {
			return false
		}
	}
	return true
}

func nodeHasType(node map[string]any) bool {
	switch t := node["type"].(type) {
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		return false
	}
}
