package sqlmeta

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// KeyGenerator produces client-side primary keys for generated string and
// UUID keys. It must be safe for concurrent use.
type KeyGenerator func() string

// UUIDKeys generates random RFC 4122 UUIDs. It is the default.
func UUIDKeys() string { return uuid.NewString() }

// ULIDKeys returns a generator of monotonic ULIDs, which sort by creation
// time. Keys of type uuid.UUID ignore it and always get random UUIDs.
func ULIDKeys() KeyGenerator {
	return ulidKeys(rand.Reader)
}

func ulidKeys(src io.Reader) KeyGenerator {
	var mu sync.Mutex
	entropy := ulid.Monotonic(src, 0)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	}
}
