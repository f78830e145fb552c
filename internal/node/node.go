// Package node manages the identity of a CacheQ process.
//
// Every node has a persistent ULID that is generated on first start and stored
// in the data directory. The identity is the default owner written into lease
// tokens, so a contended lock can always be traced back to the process that
// holds it.
package node

import (
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

const nodeIDFile = "node_id"

// ErrInvalidOverride is returned when an explicit id cannot be used as an owner.
var ErrInvalidOverride = errors.New("node: invalid id override")

// ID uniquely identifies a CacheQ process. It is stable across restarts
// within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the persistent identity of this process.
type Node struct {
	id      ID
	dataDir string
}

// New returns a Node whose ID is loaded from dataDir/node_id.
// If the file does not exist a new ULID is generated and written.
// If override is "auto" or empty the file-based ID is used; any other value
// is taken verbatim as long as it is a usable owner name.
func New(dataDir string, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}

	if override != "" && override != "auto" {
		if err := ValidateOwner(override); err != nil {
			return nil, err
		}
		return &Node{id: ID(override), dataDir: dataDir}, nil
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, errors.Wrap(err, "node: create data dir")
	}

	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

// ID returns the node's stable identity.
func (n *Node) ID() ID { return n.id }

// Owner returns the identity in the form written into lease tokens.
func (n *Node) Owner() string { return n.id.String() }

// DataDir returns the root data directory for this node.
func (n *Node) DataDir() string { return n.dataDir }

// ValidateOwner rejects owner names that would make a lease token ambiguous.
func ValidateOwner(owner string) error {
	if owner == "" {
		return errors.Wrap(ErrInvalidOverride, "empty")
	}
	if strings.ContainsAny(owner, "/ \t\r\n") {
		return errors.Wrapf(ErrInvalidOverride, "%q contains '/' or whitespace", owner)
	}
	return nil
}

func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, nodeIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(id); err != nil {
			return "", errors.Wrapf(err, "node: persisted id %q is invalid", id)
		}
		return ID(id), nil
	}

	if !os.IsNotExist(err) {
		return "", errors.Wrap(err, "node: read id file")
	}

	id, err := generateULID()
	if err != nil {
		return "", errors.Wrap(err, "node: generate id")
	}

	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o640); err != nil {
		return "", errors.Wrap(err, "node: persist id")
	}

	return id, nil
}

// monoEntropy keeps ULIDs generated within one millisecond ordered.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func generateULID() (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return ID(id.String()), nil
}

// Ephemeral returns a fresh ULID identity that is not persisted. Library
// callers without a data directory use it as their default owner.
func Ephemeral() ID {
	id, err := generateULID()
	if err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(errors.Wrap(err, "node: generate ephemeral id"))
	}
	return id
}
