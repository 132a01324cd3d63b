// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage holds the physical layer under the engine: content
// addressed blob stores for spilled and persisted file content, and the
// sqlite catalog that records snapshots of a host-backed store.
package storage

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"agentfs/internal/common"
)

// BlobRef names stored content. Key is the blake3 digest of the raw bytes.
type BlobRef struct {
	Key  string `cbor:"1,keyasint" json:"key"`
	Size int64  `cbor:"2,keyasint" json:"size"`
}

func (r BlobRef) IsZero() bool { return r.Key == "" }

// BlobStats summarizes a store.
type BlobStats struct {
	Blobs int   `json:"blobs"`
	Bytes int64 `json:"bytes"`
}

// BlobStore keeps reference-counted immutable blobs.
type BlobStore interface {
	Put(data []byte) (BlobRef, error)
	Get(ref BlobRef) ([]byte, error)
	// Retain adds a reference to an existing blob.
	Retain(ref BlobRef) error
	// Release drops a reference; the blob is removed at zero.
	Release(ref BlobRef) error
	Sync() error
	Close() error
	Stats() BlobStats
}

// BlobKey returns the content key for data.
func BlobKey(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileBlobStore stores one file per blob under dir/key[:2]/key.
type FileBlobStore struct {
	dir     string
	codec   Codec
	raw     bool
	durable bool
	ephem   bool

	mu    sync.Mutex
	refs  map[string]int
	bytes int64
}

// FileStoreOptions configures a FileBlobStore.
type FileStoreOptions struct {
	Codec Codec
	// Raw stores exact bytes with no header so blobs can be reflinked.
	Raw bool
	// Durable fsyncs every blob before it becomes visible.
	Durable bool
	// Ephemeral removes dir on Close.
	Ephemeral bool
}

// OpenFileBlobStore creates dir if needed.
func OpenFileBlobStore(dir string, opts FileStoreOptions) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("blob store %s: %w", dir, err)
	}
	codec := opts.Codec
	if opts.Raw {
		codec = CodecNone
	}
	return &FileBlobStore{
		dir:     dir,
		codec:   codec,
		raw:     opts.Raw,
		durable: opts.Durable,
		ephem:   opts.Ephemeral,
		refs:    make(map[string]int),
	}, nil
}

// NewSpillStore creates a private spill directory under parent. It is
// removed when the store is closed.
func NewSpillStore(parent string, codec Codec) (*FileBlobStore, error) {
	dir := filepath.Join(parent, "agentfs-spill-"+uuid.NewString())
	return OpenFileBlobStore(dir, FileStoreOptions{Codec: codec, Ephemeral: true})
}

// Dir returns the store directory.
func (s *FileBlobStore) Dir() string { return s.dir }

// Raw reports whether blobs hold exact file bytes.
func (s *FileBlobStore) Raw() bool { return s.raw }

func (s *FileBlobStore) blobPath(key string) string {
	if len(key) < 2 {
		return filepath.Join(s.dir, key)
	}
	return filepath.Join(s.dir, key[:2], key)
}

// HostPath returns the file holding ref when the store is raw.
func (s *FileBlobStore) HostPath(ref BlobRef) (string, bool) {
	if !s.raw || ref.IsZero() {
		return "", false
	}
	return s.blobPath(ref.Key), true
}

func (s *FileBlobStore) Put(data []byte) (BlobRef, error) {
	ref := BlobRef{Key: BlobKey(data), Size: int64(len(data))}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[ref.Key] > 0 {
		s.refs[ref.Key]++
		return ref, nil
	}

	final := s.blobPath(ref.Key)
	if _, err := os.Stat(final); err == nil {
		// Left over from an earlier run with the same content.
		s.refs[ref.Key] = 1
		s.bytes += ref.Size
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		return BlobRef{}, common.FromOS("put", final, err)
	}
	body := data
	if !s.raw {
		body = Encode(data, s.codec)
	}
	tmp := final + ".tmp-" + uuid.NewString()
	if err := s.writeFile(tmp, body); err != nil {
		os.Remove(tmp)
		return BlobRef{}, err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return BlobRef{}, common.FromOS("put", final, err)
	}
	s.refs[ref.Key] = 1
	s.bytes += ref.Size
	log.Tracef("[STORE] put %s size=%d", ref.Key[:12], ref.Size)
	return ref, nil
}

func (s *FileBlobStore) writeFile(path string, body []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return common.FromOS("put", path, err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return common.FromOS("put", path, err)
	}
	if s.durable {
		if err := f.Sync(); err != nil {
			f.Close()
			return common.FromOS("sync", path, err)
		}
	}
	if err := f.Close(); err != nil {
		return common.FromOS("put", path, err)
	}
	return nil
}

func (s *FileBlobStore) Get(ref BlobRef) ([]byte, error) {
	if ref.IsZero() {
		return nil, nil
	}
	path := s.blobPath(ref.Key)
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, common.FromOS("get", path, err)
	}
	if s.raw {
		if int64(len(body)) != ref.Size {
			return nil, common.NewError("get", path, common.ErrIO)
		}
		return body, nil
	}
	data, err := Decode(body)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", ref.Key, common.NewError("get", path, common.ErrIO))
	}
	return data, nil
}

func (s *FileBlobStore) Retain(ref BlobRef) error {
	if ref.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[ref.Key] == 0 {
		if _, err := os.Stat(s.blobPath(ref.Key)); err != nil {
			return common.FromOS("retain", s.blobPath(ref.Key), err)
		}
		s.bytes += ref.Size
	}
	s.refs[ref.Key]++
	return nil
}

func (s *FileBlobStore) Release(ref BlobRef) error {
	if ref.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.refs[ref.Key]
	if n == 0 {
		return nil
	}
	if n > 1 {
		s.refs[ref.Key] = n - 1
		return nil
	}
	delete(s.refs, ref.Key)
	s.bytes -= ref.Size
	path := s.blobPath(ref.Key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return common.FromOS("release", path, err)
	}
	return nil
}

// Sync flushes the store directory entries.
func (s *FileBlobStore) Sync() error {
	d, err := os.Open(s.dir)
	if err != nil {
		return common.FromOS("sync", s.dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return common.FromOS("sync", s.dir, err)
	}
	return nil
}

func (s *FileBlobStore) Close() error {
	if !s.ephem {
		return nil
	}
	s.mu.Lock()
	s.refs = make(map[string]int)
	s.bytes = 0
	s.mu.Unlock()
	return os.RemoveAll(s.dir)
}

func (s *FileBlobStore) Stats() BlobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BlobStats{Blobs: len(s.refs), Bytes: s.bytes}
}

var _ BlobStore = (*FileBlobStore)(nil)
