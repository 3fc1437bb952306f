package auth

import (
	"errors"
	"testing"
)

func TestHashPasswordAndCheckPasswordBcrypt(t *testing.T) {
	hash, err := HashPassword("s3cret_pass")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty hash")
	}
	if !CheckPassword("s3cret_pass", hash) {
		t.Fatalf("expected bcrypt password check to pass")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected bcrypt password check to fail")
	}
	if CheckPassword("s3cret_pass", "") {
		t.Fatalf("expected empty hash to fail")
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("Librar1an@home"); err != nil {
		t.Fatalf("expected valid password, got: %v", err)
	}
	if err := ValidatePassword("short!"); !errors.Is(err, ErrPasswordLength) {
		t.Fatalf("expected short password to fail with length error, got %v", err)
	}
	if err := ValidatePassword("this_password_is_way_too_long_1"); !errors.Is(err, ErrPasswordLength) {
		t.Fatalf("expected long password to fail with length error, got %v", err)
	}
	if err := ValidatePassword("has space 123"); !errors.Is(err, ErrPasswordCharset) {
		t.Fatalf("expected space to fail with charset error, got %v", err)
	}
	if err := ValidatePassword("hash#tag1234"); !errors.Is(err, ErrPasswordCharset) {
		t.Fatalf("expected '#' to fail with charset error, got %v", err)
	}
}
