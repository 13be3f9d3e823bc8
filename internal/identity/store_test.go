package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "resume.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCredentialHashDeterministic(t *testing.T) {
	a := ComputeCredentialHash("key", "token")
	b := ComputeCredentialHash("key", "token")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Field boundaries matter.
	assert.NotEqual(t, ComputeCredentialHash("ke", "ytoken"), a)
	assert.NotEqual(t, ComputeCredentialHash("key", "other"), a)
}

func TestDomainForEndpoint(t *testing.T) {
	domain, err := DomainForEndpoint("wss://pty.example.com:8443/session")
	require.NoError(t, err)
	assert.Equal(t, "pty.example.com:8443", domain)

	_, err = DomainForEndpoint("not a url\x00")
	assert.Error(t, err)
}

func TestResumeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	hash := ComputeCredentialHash("key", "token")

	require.NoError(t, s.Persist("pty.example.com", PurposePrimary, "sess-1", hash))

	got, err := s.TryResume("pty.example.com", PurposePrimary, hash)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got)

	// A second resume cycle with unchanged credentials keeps the id stable.
	got, err = s.TryResume("pty.example.com", PurposePrimary, hash)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got)
}

func TestResumeMismatchPurges(t *testing.T) {
	s := newTestStore(t)
	oldHash := ComputeCredentialHash("key", "token")
	require.NoError(t, s.Persist("pty.example.com", PurposePrimary, "sess-1", oldHash))

	newHash := ComputeCredentialHash("key", "rotated-token")
	got, err := s.TryResume("pty.example.com", PurposePrimary, newHash)
	require.NoError(t, err)
	assert.Empty(t, got)

	// The mismatch cleared storage: even the old hash finds nothing now.
	got, err = s.TryResume("pty.example.com", PurposePrimary, oldHash)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResumeUnknownDomainEmpty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.TryResume("other.example.com", PurposePrimary, "whatever")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDomainsAndPurposesIsolated(t *testing.T) {
	s := newTestStore(t)
	hash := ComputeCredentialHash("key", "token")

	require.NoError(t, s.Persist("a.example.com", PurposePrimary, "sess-a", hash))
	require.NoError(t, s.Persist("a.example.com", PurposeSecondary, "sess-a2", hash))
	require.NoError(t, s.Persist("b.example.com", PurposePrimary, "sess-b", hash))

	got, err := s.TryResume("a.example.com", PurposeSecondary, hash)
	require.NoError(t, err)
	assert.Equal(t, "sess-a2", got)

	// Purging one slot leaves the others alone.
	require.NoError(t, s.Purge("a.example.com", PurposePrimary))
	got, err = s.TryResume("a.example.com", PurposeSecondary, hash)
	require.NoError(t, err)
	assert.Equal(t, "sess-a2", got)
	got, err = s.TryResume("b.example.com", PurposePrimary, hash)
	require.NoError(t, err)
	assert.Equal(t, "sess-b", got)
}

func TestPurgeDomainClearsBothSlots(t *testing.T) {
	s := newTestStore(t)
	hash := ComputeCredentialHash("key", "token")
	require.NoError(t, s.Persist("a.example.com", PurposePrimary, "sess-1", hash))
	require.NoError(t, s.Persist("a.example.com", PurposeSecondary, "sess-2", hash))

	require.NoError(t, s.PurgeDomain("a.example.com"))

	for _, purpose := range []string{PurposePrimary, PurposeSecondary} {
		got, err := s.TryResume("a.example.com", purpose, hash)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}
