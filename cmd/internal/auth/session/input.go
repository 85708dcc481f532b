package session

import (
	"net/mail"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/esmukingi/NexChat/cmd/internal/apperr"
)

// PasswordPolicy bounds signup passwords. Login passwords are only checked for presence.
type PasswordPolicy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// DefaultPasswordPolicy matches the backend's signup rule.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 6, MaxLength: 128}
}

// Check validates password against the policy. It does not mutate input.
func (p PasswordPolicy) Check(password string) string {
	// Count characters (runes), not bytes.
	n := utf8.RuneCountInString(password)
	switch {
	case n == 0:
		return "Password is required"
	case p.MinLength > 0 && n < p.MinLength:
		return "Password must be at least " + strconv.Itoa(p.MinLength) + " characters"
	case p.MaxLength > 0 && n > p.MaxLength:
		return "Password is too long"
	case p.RejectVeryWeak && looksVeryWeak(password):
		return "Password is too weak"
	}
	return ""
}

// LoginInput is the body of POST /auth/login.
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignupInput is the body of POST /auth/signup.
type SignupInput struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ProfileUpdate is the body of PUT /auth/update-profile.
// ProfilePic is a data URL or remote URL, passed through untouched.
type ProfileUpdate struct {
	ProfilePic string `json:"profilePic"`
}

func (in LoginInput) normalized() LoginInput {
	in.Email = normalizeEmail(in.Email)
	return in
}

func (in LoginInput) validate(op string) error {
	if in.Email == "" {
		return apperr.Validation(op, "Email is required")
	}
	if in.Password == "" {
		return apperr.Validation(op, "Password is required")
	}
	return nil
}

func (in SignupInput) normalized() SignupInput {
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = normalizeEmail(in.Email)
	return in
}

func (in SignupInput) validate(op string, policy PasswordPolicy) error {
	if in.FullName == "" {
		return apperr.Validation(op, "Full name is required")
	}
	if in.Email == "" {
		return apperr.Validation(op, "Email is required")
	}
	if !validEmail(in.Email) {
		return apperr.Validation(op, "Invalid email format")
	}
	if msg := policy.Check(in.Password); msg != "" {
		return apperr.Validation(op, msg)
	}
	return nil
}

func (in ProfileUpdate) validate(op string) error {
	if strings.TrimSpace(in.ProfilePic) == "" {
		return apperr.Validation(op, "Profile picture is required")
	}
	return nil
}

// normalizeEmail performs case-insensitive canonicalization.
func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s && strings.Contains(s[strings.IndexByte(s, '@'):], ".")
}

// looksVeryWeak is minimal and conservative; not a strength estimator.
func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}

	allSame := true
	first, _ := utf8.DecodeRuneInString(s)
	for _, r := range s {
		if r != first {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	onlyDigits := true
	for _, r := range s {
		if !unicode.IsDigit(r) {
			onlyDigits = false
			break
		}
	}
	if onlyDigits && utf8.RuneCountInString(s) < 12 {
		return true
	}

	switch strings.ToLower(s) {
	case "password", "password123", "123456", "123456789", "qwerty", "qwerty123", "11111111":
		return true
	}
	return false
}
