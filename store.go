package campus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// persisted session state: one json blob under a single fixed path.
// absent or malformed content is treated as logged out, never a hard failure.
type CredentialBlob struct {
	Token string `json:"token"`
}

// the session store is the only component that touches persisted storage
type CredentialStore interface {
	// returns nil with no error when nothing usable is persisted
	Load() (*CredentialBlob, error)
	Store(blob *CredentialBlob) error
	Clear() error
}

const credentialFileName = "auth.json"

type FileCredentialStore struct {
	path string
}

func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{
		path: path,
	}
}

func DefaultCredentialPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "smart-uni", credentialFileName), nil
}

func (self *FileCredentialStore) Load() (*CredentialBlob, error) {
	blobBytes, err := os.ReadFile(self.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var blob CredentialBlob
	if err := json.Unmarshal(blobBytes, &blob); err != nil {
		// malformed cache is the same as logged out
		return nil, nil
	}
	if blob.Token == "" {
		return nil, nil
	}
	return &blob, nil
}

func (self *FileCredentialStore) Store(blob *CredentialBlob) error {
	if err := os.MkdirAll(filepath.Dir(self.path), 0700); err != nil {
		return err
	}
	blobBytes, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	return os.WriteFile(self.path, blobBytes, 0600)
}

func (self *FileCredentialStore) Clear() error {
	err := os.Remove(self.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type MemoryCredentialStore struct {
	mutex sync.Mutex
	blob  *CredentialBlob
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

func (self *MemoryCredentialStore) Load() (*CredentialBlob, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.blob, nil
}

func (self *MemoryCredentialStore) Store(blob *CredentialBlob) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.blob = blob
	return nil
}

func (self *MemoryCredentialStore) Clear() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.blob = nil
	return nil
}
