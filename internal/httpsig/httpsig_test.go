package httpsig

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	path := t.TempDir() + "/key.pem"
	kp, err := LoadOrGenerateKeyPair(path)
	require.NoError(t, err)
	return kp
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp := generateKeyPair(t)
	body := []byte(`{"type":"Follow"}`)

	req, err := NewSignedRequest(http.MethodPost, "https://remote.example/users/bob/inbox", body, "https://a.example/users/alice#main-key", kp.Private, "apfed/1.0")
	require.NoError(t, err)

	// Simulate receipt: go-fed/httpsig verifies against the parsed request's
	// method/URL/headers, so round-trip it through httptest like a real
	// inbound request rather than reusing the client-side *http.Request.
	recorder := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyID, err := Verify(r, func(actorID string) (string, error) {
			assert.Equal(t, "https://a.example/users/alice", actorID)
			return kp.PublicPEM, nil
		})
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "https://a.example/users/alice#main-key", keyID)
		w.WriteHeader(http.StatusOK)
	}))
	defer recorder.Close()

	req2, err := http.NewRequest(http.MethodPost, recorder.URL+"/users/bob/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req2.Header = req.Header.Clone()
	req2.Host = req.URL.Host

	resp, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	kp := generateKeyPair(t)
	otherKP := generateKeyPair(t)
	body := []byte(`{"type":"Follow"}`)

	req, err := NewSignedRequest(http.MethodPost, "https://remote.example/users/bob/inbox", body, "https://a.example/users/alice#main-key", kp.Private, "apfed/1.0")
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := Verify(r, func(string) (string, error) {
			return otherKP.PublicPEM, nil
		})
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req2, err := http.NewRequest(http.MethodPost, server.URL+"/users/bob/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req2.Header = req.Header.Clone()
	req2.Host = req.URL.Host

	resp, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestVerifyDigestMismatch(t *testing.T) {
	body := []byte(`{"a":1}`)
	err := VerifyDigest(body, "SHA-256=not-the-real-hash")
	assert.Error(t, err)
}

func TestVerifyDigestAbsentIsAccepted(t *testing.T) {
	assert.NoError(t, VerifyDigest([]byte("anything"), ""))
}

