// Package normalize flattens provider responses into stable
// per-capability shapes so agents can switch providers without
// re-parsing. The raw upstream body always rides along under "raw".
package normalize

// Extractor pulls a normalized shape out of one provider's response.
// ok is false when the response doesn't match the expected shape.
type Extractor func(raw map[string]any) (map[string]any, bool)

// byProvider holds provider-specific extractors keyed by capability
// then provider slug. Generic fallbacks cover everything else.
var byProvider = map[string]map[string]Extractor{}

// RegisterExtractor installs a provider-specific extractor. Intended
// for curated services whose responses fit none of the generic
// shapes.
func RegisterExtractor(capability, providerSlug string, fn Extractor) {
	m, ok := byProvider[capability]
	if !ok {
		m = make(map[string]Extractor)
		byProvider[capability] = m
	}
	m[providerSlug] = fn
}

// Normalize maps a successful upstream response to the capability's
// shape. Unknown capabilities and unrecognized shapes pass the body
// through as {data, raw}.
func Normalize(capability, providerSlug string, raw map[string]any) map[string]any {
	if raw == nil {
		raw = map[string]any{}
	}
	if m, ok := byProvider[capability]; ok {
		if fn, ok := m[providerSlug]; ok {
			if out, ok := fn(raw); ok {
				out["raw"] = raw
				return out
			}
		}
	}

	var out map[string]any
	var ok bool
	switch capability {
	case "reason":
		out, ok = extractReason(raw)
	case "search":
		out, ok = extractSearch(raw)
	}
	if !ok {
		out = map[string]any{"data": raw}
	}
	out["raw"] = raw
	return out
}

// extractReason handles the two dominant LLM response families:
// OpenAI-style (choices[0].message.content, usage.prompt_tokens) and
// Anthropic-style (content[0].text, usage.input_tokens).
func extractReason(raw map[string]any) (map[string]any, bool) {
	if choices, ok := raw["choices"].([]any); ok && len(choices) > 0 {
		choice, _ := choices[0].(map[string]any)
		msg, _ := choice["message"].(map[string]any)
		content, _ := msg["content"].(string)
		if content == "" {
			// Legacy completion endpoints put text on the choice.
			content, _ = choice["text"].(string)
		}
		if content == "" {
			return nil, false
		}
		return map[string]any{
			"content": content,
			"model":   stringOr(raw, "model"),
			"usage":   openAIUsage(raw),
		}, true
	}

	if blocks, ok := raw["content"].([]any); ok && len(blocks) > 0 {
		block, _ := blocks[0].(map[string]any)
		text, _ := block["text"].(string)
		if text == "" {
			return nil, false
		}
		return map[string]any{
			"content": text,
			"model":   stringOr(raw, "model"),
			"usage":   anthropicUsage(raw),
		}, true
	}

	return nil, false
}

func openAIUsage(raw map[string]any) map[string]any {
	usage, _ := raw["usage"].(map[string]any)
	in := numberOr(usage, "prompt_tokens")
	out := numberOr(usage, "completion_tokens")
	total := numberOr(usage, "total_tokens")
	if total == 0 {
		total = in + out
	}
	return map[string]any{
		"input_tokens":  in,
		"output_tokens": out,
		"total_tokens":  total,
	}
}

func anthropicUsage(raw map[string]any) map[string]any {
	usage, _ := raw["usage"].(map[string]any)
	in := numberOr(usage, "input_tokens")
	out := numberOr(usage, "output_tokens")
	return map[string]any{
		"input_tokens":  in,
		"output_tokens": out,
		"total_tokens":  in + out,
	}
}

// extractSearch handles the common result-array shapes: results,
// organic, organic_results, items, web.results.
func extractSearch(raw map[string]any) (map[string]any, bool) {
	entries := searchEntries(raw)
	if entries == nil {
		return nil, false
	}

	results := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		url := stringOr(entry, "url")
		if url == "" {
			url = stringOr(entry, "link")
		}
		snippet := stringOr(entry, "snippet")
		if snippet == "" {
			snippet = stringOr(entry, "description")
		}
		if snippet == "" {
			snippet = stringOr(entry, "content")
		}
		results = append(results, map[string]any{
			"title":   stringOr(entry, "title"),
			"url":     url,
			"snippet": snippet,
		})
	}
	return map[string]any{"results": results}, true
}

func searchEntries(raw map[string]any) []any {
	for _, key := range []string{"results", "organic", "organic_results", "items"} {
		if entries, ok := raw[key].([]any); ok {
			return entries
		}
	}
	if web, ok := raw["web"].(map[string]any); ok {
		if entries, ok := web["results"].([]any); ok {
			return entries
		}
	}
	return nil
}

func stringOr(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func numberOr(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
