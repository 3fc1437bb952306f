package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Prefixes for generated record identifiers.
const (
	PrefixUser     = "USER"
	PrefixStaff    = "STAFF"
	PrefixAdmin    = "ADMIN"
	PrefixLoan     = "LN"
	PrefixSchedule = "SC"
)

const upperLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewRecordID returns "<prefix>-<2 uppercase letters>-<8 digits>", e.g. LN-QX-04815162.
func NewRecordID(prefix string) string {
	return strings.ToUpper(prefix) + "-" + randomFrom(upperLetters, 2) + "-" + randomDigits(8)
}

// NewLibraryBarcode returns a book-level barcode "BK-<7 digits>".
func NewLibraryBarcode() string {
	return "BK-" + randomDigits(7)
}

// CopyBarcode formats the barcode of a physical copy from its book barcode and serial.
func CopyBarcode(libraryBarcode string, serial int) string {
	return fmt.Sprintf("COPY-%s-%03d", libraryBarcode, serial)
}

func randomDigits(n int) string {
	return randomFrom("0123456789", n)
}

func randomFrom(alphabet string, n int) string {
	limit := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			b.WriteByte(alphabet[0])
			continue
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String()
}
