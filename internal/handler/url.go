package handler

import "strings"

// isServerURLAllowed gates RelayToServer targets. Exit traffic may only
// reach the well-known application endpoints: the path has to start
// with /loki/ or /oxen/, end with /lsrpc, and carry no query string.
// Case sensitive.
func isServerURLAllowed(target string) bool {
	return (strings.HasPrefix(target, "/loki/") || strings.HasPrefix(target, "/oxen/")) &&
		strings.HasSuffix(target, "/lsrpc") &&
		!strings.Contains(target, "?")
}
