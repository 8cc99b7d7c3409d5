// Package masking hides payout and gateway references in audit metadata.
package masking

import "strings"

const maskToken = "****"

// sensitiveKeys name metadata values that carry bank or gateway references.
var sensitiveKeys = map[string]bool{
	"payout_account_ref": true,
	"transfer_reference": true,
	"signature":          true,
}

// MaskSecret keeps the prefix up to the last underscore and the final four
// characters: "utr_1234567890" becomes "utr_****7890".
func MaskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	prefix, tail := "", value
	if idx := strings.LastIndex(value, "_"); idx >= 0 && idx < len(value)-1 {
		prefix, tail = value[:idx+1], value[idx+1:]
	}
	if len(tail) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + tail[len(tail)-4:]
}

// Metadata copies metadata, dropping blank keys and masking sensitive string values.
func Metadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		if key == "" {
			continue
		}
		if str, ok := value.(string); ok && sensitiveKeys[key] {
			value = MaskSecret(str)
		}
		out[key] = value
	}
	return out
}
