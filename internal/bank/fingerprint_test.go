package bank

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustQuestion(t *testing.T, raw string) Question {
	t.Helper()
	var q Question
	require.NoError(t, json.Unmarshal([]byte(raw), &q))
	return q
}

func TestFingerprintPayloadGolden(t *testing.T) {
	q := mustQuestion(t, `{"type":"single","id":"q-1","q":"1+1=?","o":["1","2"],"a":"2","chap":"第一章","sub":"数学","note":"ignored"}`)
	payload, err := fingerprintPayload(q)
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "fingerprint_payload", payload)
}

func TestFingerprintIgnoresIDAndMetadata(t *testing.T) {
	a := mustQuestion(t, `{"id":"a","sub":"S","chap":"C","q":"Q","o":["x","y"],"a":0,"type":"single","createdAt":1}`)
	b := mustQuestion(t, `{"id":"b","sub":"S","chap":"C","q":"Q","o":["x","y"],"a":0,"type":"single"}`)

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)
}

func TestFingerprintKeyOrderAndNormalization(t *testing.T) {
	// "é" composed vs "e" + combining acute.
	composed := mustQuestion(t, `{"q":"caf\u00e9","o":{"b":1,"a":2}}`)
	decomposed := mustQuestion(t, `{"o":{"a":2,"b":1},"q":"cafe\u0301"}`)

	fc, err := Fingerprint(composed)
	require.NoError(t, err)
	fd, err := Fingerprint(decomposed)
	require.NoError(t, err)
	assert.Equal(t, fc, fd)
}

func TestFingerprintDistinguishesContent(t *testing.T) {
	a := mustQuestion(t, `{"q":"Q","a":1}`)
	b := mustQuestion(t, `{"q":"Q","a":"1"}`)
	c := mustQuestion(t, `{"q":"Q","a":1,"chap":"other"}`)

	fa, _ := Fingerprint(a)
	fb, _ := Fingerprint(b)
	fc, _ := Fingerprint(c)
	assert.NotEqual(t, fa, fb)
	assert.NotEqual(t, fa, fc)
}

func TestFingerprintMalformed(t *testing.T) {
	for _, raw := range []string{`"just a string"`, `42`, `null`, `{"q":123}`, `{"sub":["x"]}`} {
		q := mustQuestion(t, raw)
		_, err := Fingerprint(q)
		assert.True(t, errors.Is(err, ErrUnfingerprintable), raw)
	}
}

func TestDedupeKeepsFirstAndOrder(t *testing.T) {
	questions := []Question{
		mustQuestion(t, `{"id":"1","q":"A","a":1}`),
		mustQuestion(t, `{"id":"2","q":"B","a":1}`),
		mustQuestion(t, `{"id":"3","q":"A","a":1}`),
		mustQuestion(t, `"broken"`),
		mustQuestion(t, `"broken"`),
		mustQuestion(t, `{"id":"4","q":"C"}`),
	}

	out := Dedupe(questions)
	require.Len(t, out, 5)
	assert.Equal(t, "1", out[0].ID)
	assert.Equal(t, "2", out[1].ID)
	assert.True(t, out[2].Malformed())
	assert.True(t, out[3].Malformed())
	assert.Equal(t, "4", out[4].ID)
}

func TestQuestionRoundTripPreservesUnknownFields(t *testing.T) {
	raw := `{"id":"q1","sub":"S","q":"Q","o":[1,2],"a":[0],"tags":["x"],"score":3.5}`
	q := mustQuestion(t, raw)
	assert.Equal(t, "q1", q.ID)
	assert.Equal(t, "S", q.Subject)
	assert.Contains(t, q.Extra, "tags")

	out, err := json.Marshal(q)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))

	malformed := mustQuestion(t, `[1, 2]`)
	out, err = json.Marshal(malformed)
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(out))
}

func TestQuestionRoundTripKeepsEmptyLabels(t *testing.T) {
	raw := `{"id":"x","sub":"","chap":"","q":"p","type":""}`
	out, err := json.Marshal(mustQuestion(t, raw))
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))

	out, err = json.Marshal(Question{ID: "y", Prompt: "p"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"y","q":"p"}`, string(out))
}
