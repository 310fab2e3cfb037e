package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/rvm/aot"
	"github.com/colorfulnotion/rvm/log"
	"github.com/colorfulnotion/rvm/machine"
	"github.com/colorfulnotion/rvm/program"
	"golang.org/x/crypto/blake2b"
)

var artifactPrefix = []byte("aot/")

// ArtifactKey identifies a compilation: the program, the cost table and the
// address space layout all change the artifact.
func ArtifactKey(programHash, meterFingerprint [32]byte, opts program.Options) [32]byte {
	buf := make([]byte, 0, 32+32+8*4+2)
	buf = append(buf, programHash[:]...)
	buf = append(buf, meterFingerprint[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(opts.XLEN))
	buf = binary.LittleEndian.AppendUint64(buf, opts.MemorySize)
	buf = binary.LittleEndian.AppendUint64(buf, opts.StackSize)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(opts.WXPolicy))
	buf = binary.LittleEndian.AppendUint16(buf, aot.ArtifactVersion)
	return blake2b.Sum256(buf)
}

// ArtifactStore caches encoded artifacts by ArtifactKey.
type ArtifactStore struct {
	ps *PersistenceStore
}

func NewArtifactStore(ps *PersistenceStore) *ArtifactStore {
	return &ArtifactStore{ps: ps}
}

func artifactDBKey(key [32]byte) []byte {
	return append(append([]byte(nil), artifactPrefix...), key[:]...)
}

// Get returns the cached artifact for key. An entry that no longer decodes
// is reported as missing.
func (s *ArtifactStore) Get(key [32]byte) (*aot.Artifact, bool, error) {
	data, ok, err := s.ps.Get(artifactDBKey(key))
	if err != nil || !ok {
		return nil, false, err
	}
	art, err := aot.UnmarshalArtifact(data)
	if err != nil {
		log.Warn(log.StorageModule, "dropping undecodable artifact", "key", fmt.Sprintf("%x", key[:8]), "err", err)
		return nil, false, s.ps.Delete(artifactDBKey(key))
	}
	return art, true, nil
}

func (s *ArtifactStore) Put(key [32]byte, art *aot.Artifact) error {
	data, err := art.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return s.ps.Put(artifactDBKey(key), data)
}

// GetOrCompile returns the cached artifact for img or compiles and stores
// one. The bool reports a cache hit.
func (s *ArtifactStore) GetOrCompile(img *program.Image, meter machine.CycleMeter, meterFingerprint [32]byte, opts program.Options) (*aot.Artifact, bool, error) {
	key := ArtifactKey(img.Hash, meterFingerprint, opts)
	art, ok, err := s.Get(key)
	if err != nil {
		return nil, false, err
	}
	if ok && art.ProgramHash == img.Hash {
		log.Debug(log.StorageModule, "artifact cache hit", "key", fmt.Sprintf("%x", key[:8]))
		return art, true, nil
	}
	art, err = aot.Compile(img, meter, opts)
	if err != nil {
		return nil, false, err
	}
	if err := s.Put(key, art); err != nil {
		return nil, false, err
	}
	log.Debug(log.StorageModule, "artifact stored", "key", fmt.Sprintf("%x", key[:8]), "blocks", len(art.Blocks))
	return art, false, nil
}

// ArtifactEntry describes one cached artifact.
type ArtifactEntry struct {
	Key  [32]byte
	Size int
}

func (s *ArtifactStore) List() ([]ArtifactEntry, error) {
	kvs, err := s.ps.GetWithPrefix(artifactPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]ArtifactEntry, 0, len(kvs))
	for _, kv := range kvs {
		var e ArtifactEntry
		copy(e.Key[:], kv[0][len(artifactPrefix):])
		e.Size = len(kv[1])
		out = append(out, e)
	}
	return out, nil
}
