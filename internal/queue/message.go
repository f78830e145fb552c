package queue

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// maxNameLen keeps "<name>_<position>" inside memcached's 250-byte key limit.
const maxNameLen = 200

// Message is one dequeued payload together with the key it was stored under.
type Message struct {
	Key      string
	Position int64
	Payload  []byte
}

// Keys are the store keys owned by one queue.
type Keys struct {
	Queue  string // the queue name itself, prefix of every other key
	Head   string
	Tail   string
	Access string // the lease
}

// NewKeys derives the key set for name.
func NewKeys(name string) Keys {
	return Keys{
		Queue:  name,
		Head:   name + "_head",
		Tail:   name + "_tail",
		Access: name + "_access",
	}
}

// Message returns the key holding the payload at position.
func (k Keys) Message(position int64) string {
	return k.Queue + "_" + strconv.FormatInt(position, 10)
}

// ValidateName reports whether name can be used as a queue name: non-empty,
// at most 200 bytes, with no whitespace or control characters.
func ValidateName(name string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidName, "empty")
	}
	if len(name) > maxNameLen {
		return errors.Wrapf(ErrInvalidName, "longer than %d bytes", maxNameLen)
	}
	if i := strings.IndexFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}); i >= 0 {
		return errors.Wrapf(ErrInvalidName, "%q has whitespace or control characters", name)
	}
	return nil
}
