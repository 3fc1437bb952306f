package util

import (
	"regexp"
	"testing"
)

func TestNewRecordIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^LN-[A-Z]{2}-[0-9]{8}$`)
	for i := 0; i < 50; i++ {
		id := NewRecordID(PrefixLoan)
		if !pattern.MatchString(id) {
			t.Fatalf("unexpected loan id format: %q", id)
		}
	}
}

func TestNewLibraryBarcodeFormat(t *testing.T) {
	if got := NewLibraryBarcode(); !regexp.MustCompile(`^BK-[0-9]{7}$`).MatchString(got) {
		t.Fatalf("unexpected library barcode: %q", got)
	}
}

func TestCopyBarcodePadsSerial(t *testing.T) {
	if got := CopyBarcode("BK-1234567", 7); got != "COPY-BK-1234567-007" {
		t.Fatalf("copy barcode = %q", got)
	}
	if got := CopyBarcode("BK-1234567", 1234); got != "COPY-BK-1234567-1234" {
		t.Fatalf("copy barcode = %q", got)
	}
}
