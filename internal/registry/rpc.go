package registry

import "strings"

// DedupeRPCURLs trims and removes empty or repeated endpoints, keeping order.
func DedupeRPCURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		url := strings.TrimSpace(raw)
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	return out
}

// ResolveRPCURLs puts explicit overrides ahead of the network's configured list.
func ResolveRPCURLs(overrides []string, n Network) []string {
	return DedupeRPCURLs(append(append([]string{}, overrides...), n.RPCURLs...))
}
