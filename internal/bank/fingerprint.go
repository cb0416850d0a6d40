package bank

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// fingerprintDomain separates question fingerprints from any other hash the
// service may compute. Bump the suffix if the payload layout ever changes.
const fingerprintDomain = "qbank/question/v1"

// ErrUnfingerprintable is returned for payloads that cannot be reduced to
// comparable question content.
var ErrUnfingerprintable = errors.New("question payload cannot be fingerprinted")

// Fingerprint returns the content identity of a question: a SHA-256 over the
// canonical form of subject, chapter, prompt, options, answer and type. The
// question id and any other metadata are not part of it.
func Fingerprint(q Question) (string, error) {
	payload, err := fingerprintPayload(q)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0x00})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fingerprintPayload(q Question) ([]byte, error) {
	if q.Malformed() {
		return nil, ErrUnfingerprintable
	}
	content := make(map[string]any, 6)
	for key, value := range map[string]string{
		"sub":  q.Subject,
		"chap": q.Chapter,
		"q":    q.Prompt,
		"type": q.Type,
	} {
		if value != "" {
			content[key] = value
		}
	}
	for key, raw := range map[string][]byte{"o": q.Options, "a": q.Answer} {
		if raw == nil {
			continue
		}
		value, err := decodeLoose(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrUnfingerprintable, key, err)
		}
		content[key] = value
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnfingerprintable, err)
	}
	return buf.Bytes(), nil
}

// Dedupe drops questions whose content repeats an earlier one, keeping the
// first occurrence and the original order. Payloads that cannot be
// fingerprinted are always kept.
func Dedupe(questions []Question) []Question {
	out := make([]Question, 0, len(questions))
	seen := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		fp, err := Fingerprint(q)
		if err != nil {
			out = append(out, q)
			continue
		}
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, q)
	}
	return out
}
