package coordinator

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed index_mappings.json
var mappingTemplateRaw []byte

// mappingTemplate parses the embedded template once at package init, so
// every per-corpus mapping is built from a deep copy of a known-good
// decoded value rather than re-parsing JSON (or worse, mutating a shared
// decoded map) on every tick.
var mappingTemplate = mustParseMapping(mappingTemplateRaw)

func mustParseMapping(raw []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(fmt.Sprintf("coordinator: embedded index_mappings.json is invalid: %v", err))
	}

	return m
}

// buildMapping returns a fresh, per-corpus mapping document with
// mappings.properties.text.path rewritten to defaultExtractor, marshaled
// to JSON ready to hand to searchcluster.CreateIndex/PutMapping.
//
// The embedded template is deep-copied on every call rather than mutated
// in place (spec §9's design note on the original's shared-dict mutation
// hazard): provisioning walks corpora sequentially within one tick, but
// nothing guarantees a future caller won't provision concurrently, and a
// defensive copy costs nothing.
func buildMapping(defaultExtractor string) ([]byte, error) {
	doc := deepCopyMap(mappingTemplate)

	mappings, ok := doc["mappings"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("coordinator: mapping template missing mappings object")
	}

	properties, ok := mappings["properties"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("coordinator: mapping template missing mappings.properties")
	}

	text, ok := properties["text"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("coordinator: mapping template missing properties.text")
	}

	text["path"] = defaultExtractor

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("coordinator: marshal per-corpus mapping: %w", err)
	}

	return out, nil
}

func deepCopyMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))

	for k, v := range src {
		out[k] = deepCopyValue(v)
	}

	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = deepCopyValue(e)
		}

		return out
	default:
		return val
	}
}
