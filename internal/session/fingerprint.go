package session

import (
	"crypto/sha256"
	"encoding/hex"
)

// Порог сходства, при котором дрейф отпечатка считается обновлением
// браузера, а не кражей сессии.
const fingerprintSimilarityThreshold = 0.7

// Fingerprint строит отпечаток устройства из заголовков запроса.
// Усечённый SHA-256: полный хэш не нужен, 16 байт достаточно для
// сравнения и экономит место в KV.
func Fingerprint(userAgent, acceptLanguage, acceptEncoding string) string {
	sum := sha256.Sum256([]byte(userAgent + "|" + acceptLanguage + "|" + acceptEncoding))
	return hex.EncodeToString(sum[:16])
}

// FingerprintSimilarity возвращает посимвольное сходство двух отпечатков
// в диапазоне [0, 1].
func FingerprintSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}

	matches := 0
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(longest)
}
