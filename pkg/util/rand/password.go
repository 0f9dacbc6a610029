package rand

import (
	"crypto/rand"
	"math/big"
)

const (
	passwordCharset       = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*()-_=+[]{}|;:,.<>?"
	defaultPasswordLength = 16
)

// NewPassword returns a random password drawn from crypto/rand. length
// defaults to 16 when omitted or not positive.
func NewPassword(length ...int) string {
	n := defaultPasswordLength
	if len(length) > 0 && length[0] > 0 {
		n = length[0]
	}

	max := big.NewInt(int64(len(passwordCharset)))
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = passwordCharset[num.Int64()]
	}
	return string(b)
}
