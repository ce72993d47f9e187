package campus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFileCredentialStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "auth.json")
	store := NewFileCredentialStore(path)

	// absent file is logged out, not an error
	blob, err := store.Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, blob, (*CredentialBlob)(nil))

	err = store.Store(&CredentialBlob{Token: "tok"})
	assert.Equal(t, err, nil)

	blob, err = store.Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, blob.Token, "tok")

	err = store.Clear()
	assert.Equal(t, err, nil)
	blob, _ = store.Load()
	assert.Equal(t, blob, (*CredentialBlob)(nil))

	// clearing twice never fails
	assert.Equal(t, store.Clear(), nil)
}

func TestFileCredentialStoreMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	err := os.WriteFile(path, []byte("{not json"), 0600)
	assert.Equal(t, err, nil)

	store := NewFileCredentialStore(path)
	blob, err := store.Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, blob, (*CredentialBlob)(nil))

	// an empty token is as good as no blob
	os.WriteFile(path, []byte(`{"token":""}`), 0600)
	blob, err = store.Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, blob, (*CredentialBlob)(nil))
}
