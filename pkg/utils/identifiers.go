package utils

import "strings"

// SanitizeIdentifier makes an identifier safe for filesystem paths and metric
// label values. Tool names such as "pubmed:variant-lookup" carry colons that
// break file naming on some platforms.
func SanitizeIdentifier(id string) string {
	sanitized := strings.ReplaceAll(id, ":", "-")

	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")

	return sanitized
}
