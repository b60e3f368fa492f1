package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	totpStepSeconds = 30
	totpDigits      = 6
	// One step of tolerance either side absorbs client clock drift.
	totpSkewSteps = 1

	BackupCodeLength = 8
)

// Excludes 0/O and 1/I to keep codes transcribable from paper.
const backupCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewTOTPSecret returns a fresh 20-byte shared secret, base32 encoded.
func NewTOTPSecret() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return b32.EncodeToString(buf), nil
}

// TOTPCode computes the RFC 6238 code for the secret at time t.
func TOTPCode(secret string, t time.Time) (string, error) {
	key, err := b32.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return "", fmt.Errorf("invalid totp secret: %w", err)
	}
	counter := uint64(t.Unix() / totpStepSeconds)
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1000000), nil
}

// VerifyTOTP checks a submitted 6-digit code against the current step and
// totpSkewSteps adjacent steps.
func VerifyTOTP(secret, code string, now time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != totpDigits {
		return false
	}
	for skew := -totpSkewSteps; skew <= totpSkewSteps; skew++ {
		want, err := TOTPCode(secret, now.Add(time.Duration(skew)*totpStepSeconds*time.Second))
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// QRPayload builds the otpauth:// URI authenticator apps consume.
func QRPayload(issuer, account, secret string) string {
	label := url.PathEscape(issuer) + ":" + url.PathEscape(account)
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", fmt.Sprintf("%d", totpDigits))
	q.Set("period", fmt.Sprintf("%d", totpStepSeconds))
	return "otpauth://totp/" + label + "?" + q.Encode()
}

// NewBackupCodes generates n single-use codes. A 32-char alphabet at 8 chars
// gives 40 bits per code; rejection sampling keeps the draw uniform.
func NewBackupCodes(n int) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		code, err := newBackupCode()
		if err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, nil
}

func newBackupCode() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for sb.Len() < BackupCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		if int(buf[0]) >= 256-(256%len(backupCodeAlphabet)) {
			continue
		}
		sb.WriteByte(backupCodeAlphabet[int(buf[0])%len(backupCodeAlphabet)])
	}
	return sb.String(), nil
}

// NormalizeBackupCode folds user input for case-insensitive exact match.
func NormalizeBackupCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// LooksLikeBackupCode distinguishes an 8-char backup code from a 6-digit
// TOTP code on the shared verify path.
func LooksLikeBackupCode(code string) bool {
	return len(strings.TrimSpace(code)) == BackupCodeLength
}
