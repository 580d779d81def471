package main

// Missing returns the portal names absent from the destination, in portal order.
// Names are compared as exact strings and duplicates are collapsed.
func Missing(portal, destination []string) []string {
	present := make(map[string]struct{}, len(destination))
	for _, name := range destination {
		present[name] = struct{}{}
	}

	missing := make([]string, 0, len(portal))
	seen := make(map[string]struct{}, len(portal))
	for _, name := range portal {
		if _, ok := present[name]; ok {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		missing = append(missing, name)
	}
	return missing
}
