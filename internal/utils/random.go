package utils

import (
	"crypto/rand"
	"math/big"
)

const (
	numberBytes = "0123456789"
	letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateSecurityCode draws a fixed-length numeric code from crypto/rand,
// so it cannot be derived from the request id or clock.
func GenerateSecurityCode() (string, error) {
	return generateRandom(SecurityCodeLength, numberBytes)
}

// GenerateRandomString returns an alphanumeric token, used for lock ownership.
func GenerateRandomString(length int) (string, error) {
	return generateRandom(length, letterBytes)
}

func generateRandom(length int, charset string) (string, error) {
	result := make([]byte, length)
	charsetLength := big.NewInt(int64(len(charset)))

	for i := range result {
		num, err := rand.Int(rand.Reader, charsetLength)
		if err != nil {
			return "", err
		}
		result[i] = charset[num.Int64()]
	}

	return string(result), nil
}
