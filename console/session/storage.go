package consolesession

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Durable storage keys. The session store is the sole writer of KeyAuth;
// the impersonation controller is the sole writer of the remaining keys.
const (
	KeyAuth            = "auth"
	KeyOriginalUser    = "originalUser"
	KeyIsImpersonating = "isImpersonating"
	// KeyAccessToken holds the pre-impersonation session token while a
	// marked token is active, so the original session can be restored.
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
)

var ErrKeyNotFound = errors.New("key not found")

// Storage is durable, namespaced client storage. Implementations must make
// every write visible to a subsequent process start.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// fileStorage keeps all keys of one namespace in a single JSON file,
// rewritten atomically on every mutation.
type fileStorage struct {
	path string

	mu   sync.Mutex
	data map[string]json.RawMessage
}

// NewFileStorage returns file-backed storage at dir/<namespace>.json.
func NewFileStorage(dir, namespace string) (Storage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "creating storage dir")
	}

	fs := &fileStorage{
		path: filepath.Join(dir, namespace+".json"),
		data: make(map[string]json.RawMessage),
	}
	raw, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, errors.Wrap(err, "reading storage file")
	}
	if err := json.Unmarshal(raw, &fs.data); err != nil {
		// a corrupt file is indistinguishable from an empty one
		fs.data = make(map[string]json.RawMessage)
	}
	return fs, nil
}

func (fs *fileStorage) Get(key string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	value, ok := fs.data[key]
	if !ok {
		return nil, errors.Wrapf(ErrKeyNotFound, "getting %q", key)
	}
	return value, nil
}

func (fs *fileStorage) Set(key string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.data[key] = json.RawMessage(value)
	return fs.flush()
}

func (fs *fileStorage) Delete(key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.data[key]; !ok {
		return nil
	}
	delete(fs.data, key)
	return fs.flush()
}

func (fs *fileStorage) flush() error {
	raw, err := json.Marshal(fs.data)
	if err != nil {
		return errors.Wrap(err, "marshaling storage")
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return errors.Wrap(err, "writing storage file")
	}
	return errors.Wrap(os.Rename(tmp, fs.path), "replacing storage file")
}

// memStorage is for tests and ephemeral sessions.
type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemStorage() Storage {
	return &memStorage{data: make(map[string][]byte)}
}

func (ms *memStorage) Get(key string) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	value, ok := ms.data[key]
	if !ok {
		return nil, errors.Wrapf(ErrKeyNotFound, "getting %q", key)
	}
	return value, nil
}

func (ms *memStorage) Set(key string, value []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.data[key] = append([]byte(nil), value...)
	return nil
}

func (ms *memStorage) Delete(key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.data, key)
	return nil
}
