package oauth

// maskSecret masks a secret by showing the first 3 and last 4 characters.
// For secrets of 8 characters or fewer it returns "***".
//
// Used for client IDs, client secrets and tokens in logs and CLI output.
func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:3] + "***" + secret[len(secret)-4:]
}

// MaskSecret is the exported form for CLI output.
func MaskSecret(secret string) string { return maskSecret(secret) }
