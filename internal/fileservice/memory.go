package fileservice

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/substratefs/substrate/internal/cache/cuckoo"
	"github.com/substratefs/substrate/internal/proto"
)

// Config configures the in-memory file service.
type Config struct {
	// CapacityBytes bounds the total allocated file bytes; free-space
	// queries report against it.
	CapacityBytes uint64

	// Workers is the number of executor goroutines. Batches with the same
	// io slot base stay on one worker, preserving per-session order.
	Workers int

	// MetaDir, when set, enables the badger-backed metadata store;
	// directories and file attributes survive restarts. File payloads do
	// not: block persistence belongs to the storage engine below this
	// service.
	MetaDir string
}

// DefaultConfig returns the defaults used by the daemon.
func DefaultConfig() Config {
	return Config{
		CapacityBytes: 4 << 30,
		Workers:       2,
	}
}

type file struct {
	id    uint32
	dir   uint32
	name  string
	attrs uint32
	size  uint64
	data  []byte
}

type directory struct {
	id     uint32
	parent uint32
	name   string
	files  map[uint32]struct{}
	dirs   map[uint32]struct{}
}

type submission struct {
	ctrl  *ControlRequest
	pool  []DataRequest
	first int
	count int
}

// Memory is the reference file service: an in-memory extent store under a
// directory tree, with optional durable metadata. The namespace cache keeps
// the file-existence check on the data path off the tree lock.
type Memory struct {
	cfg   Config
	cache *cuckoo.Table
	meta  *metaStore

	mu    sync.RWMutex
	dirs  map[uint32]*directory
	files map[uint32]*file
	used  uint64

	queues []chan submission
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ Service = (*Memory)(nil)

// NewMemory builds the service, loading durable metadata when configured.
// The cache table is shared with the rest of the backend.
func NewMemory(cfg Config, cache *cuckoo.Table) (*Memory, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	m := &Memory{
		cfg:   cfg,
		cache: cache,
		dirs:  make(map[uint32]*directory),
		files: make(map[uint32]*file),
	}
	m.dirs[proto.RootDirID] = &directory{
		id:     proto.RootDirID,
		parent: proto.RootDirID,
		files:  make(map[uint32]struct{}),
		dirs:   make(map[uint32]struct{}),
	}

	if cfg.MetaDir != "" {
		meta, err := openMetaStore(cfg.MetaDir)
		if err != nil {
			return nil, err
		}
		m.meta = meta
		if err := m.loadMeta(); err != nil {
			meta.Close()
			return nil, err
		}
	}

	m.queues = make([]chan submission, cfg.Workers)
	for i := range m.queues {
		m.queues[i] = make(chan submission, 1024)
		m.wg.Add(1)
		go m.worker(m.queues[i])
	}
	return m, nil
}

func (m *Memory) loadMeta() error {
	dirs, files, err := m.meta.loadAll()
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if d.ID == proto.RootDirID {
			continue
		}
		m.dirs[d.ID] = &directory{
			id:     d.ID,
			parent: d.Parent,
			name:   d.Name,
			files:  make(map[uint32]struct{}),
			dirs:   make(map[uint32]struct{}),
		}
	}
	for _, d := range dirs {
		if d.ID == proto.RootDirID {
			continue
		}
		if parent, ok := m.dirs[d.Parent]; ok {
			parent.dirs[d.ID] = struct{}{}
		}
	}
	for _, f := range files {
		dir, ok := m.dirs[f.Dir]
		if !ok {
			continue
		}
		m.files[f.ID] = &file{id: f.ID, dir: f.Dir, name: f.Name, attrs: f.Attrs, size: f.Size}
		dir.files[f.ID] = struct{}{}
		m.cacheInsert(f.ID, f.Dir, f.Attrs)
	}
	log.Info().Int("dirs", len(dirs)).Int("files", len(files)).Msg("Loaded file metadata")
	return nil
}

// SubmitControlPlaneRequest queues a control operation. Control mutations all
// run on worker 0, keeping cache writers serialized.
func (m *Memory) SubmitControlPlaneRequest(req *ControlRequest) {
	m.queues[0] <- submission{ctrl: req}
}

// SubmitDataPlaneRequest queues a parsed batch.
func (m *Memory) SubmitDataPlaneRequest(pool []DataRequest, firstIndex, batchSize, ioSlotBase int) {
	q := m.queues[ioSlotBase%len(m.queues)]
	q <- submission{pool: pool, first: firstIndex, count: batchSize}
}

// Close drains the workers and closes the metadata store.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		for _, q := range m.queues {
			close(q)
		}
		m.wg.Wait()
		if m.meta != nil {
			m.meta.Close()
		}
	})
	return nil
}

func (m *Memory) worker(q chan submission) {
	defer m.wg.Done()
	for sub := range q {
		if sub.ctrl != nil {
			m.executeControl(sub.ctrl)
			continue
		}
		for i := 0; i < sub.count; i++ {
			slot := &sub.pool[(sub.first+i)%len(sub.pool)]
			m.executeData(slot)
		}
	}
}

func (m *Memory) cacheKey(fileID uint32) uint64 {
	return uint64(fileID)
}

func (m *Memory) cacheInsert(fileID, dirID, attrs uint32) {
	if m.cache == nil {
		return
	}
	var v cuckoo.Value
	packCacheValue(&v, dirID, attrs)
	if err := m.cache.Insert(cuckoo.Item{Key: m.cacheKey(fileID), Value: v}); err != nil {
		log.Warn().Uint32("file", fileID).Err(err).Msg("Namespace cache insert failed")
	}
}

func (m *Memory) executeControl(req *ControlRequest) {
	switch r := req.Req.(type) {
	case *proto.ReqCreateDirectory:
		req.Complete(m.createDirectory(r))
	case *proto.ReqRemoveDirectory:
		req.Complete(m.removeDirectory(r))
	case *proto.ReqCreateFile:
		req.Complete(m.createFile(r))
	case *proto.ReqDeleteFile:
		req.Complete(m.deleteFile(r))
	case *proto.ReqChangeFileSize:
		req.Complete(m.changeFileSize(r))
	case *proto.ReqGetFileSize:
		resp := req.Resp.(*proto.AckGetFileSize)
		req.Complete(m.getFileSize(r, resp))
	case *proto.ReqGetFileInfo:
		resp := req.Resp.(*proto.AckGetFileInfo)
		req.Complete(m.getFileInfo(r, resp))
	case *proto.ReqGetFileAttr:
		resp := req.Resp.(*proto.AckGetFileAttr)
		req.Complete(m.getFileAttr(r, resp))
	case *proto.ReqGetFreeSpace:
		resp := req.Resp.(*proto.AckGetFreeSpace)
		req.Complete(m.getFreeSpace(resp))
	case *proto.ReqMoveFile:
		req.Complete(m.moveFile(r))
	default:
		log.Error().Uint16("kind", uint16(req.Kind)).Msg("Unknown control request kind")
		req.Complete(proto.ErrInvalidArgument)
	}
}

func (m *Memory) createDirectory(r *proto.ReqCreateDirectory) proto.ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.dirs[r.DirID]; exists {
		return proto.ErrAlreadyExists
	}
	parent, ok := m.dirs[r.ParentID]
	if !ok {
		return proto.ErrNotFound
	}
	m.dirs[r.DirID] = &directory{
		id:     r.DirID,
		parent: r.ParentID,
		name:   r.PathName,
		files:  make(map[uint32]struct{}),
		dirs:   make(map[uint32]struct{}),
	}
	parent.dirs[r.DirID] = struct{}{}
	if m.meta != nil {
		if err := m.meta.putDir(dirRecord{ID: r.DirID, Parent: r.ParentID, Name: r.PathName}); err != nil {
			log.Error().Err(err).Msg("Persisting directory failed")
			return proto.ErrIo
		}
	}
	return proto.ErrSuccess
}

func (m *Memory) removeDirectory(r *proto.ReqRemoveDirectory) proto.ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.DirID == proto.RootDirID {
		return proto.ErrInvalidArgument
	}
	d, ok := m.dirs[r.DirID]
	if !ok {
		return proto.ErrNotFound
	}
	if len(d.files) != 0 || len(d.dirs) != 0 {
		return proto.ErrInvalidArgument
	}
	delete(m.dirs, r.DirID)
	if parent, ok := m.dirs[d.parent]; ok {
		delete(parent.dirs, r.DirID)
	}
	if m.meta != nil {
		if err := m.meta.deleteDir(r.DirID); err != nil {
			log.Error().Err(err).Msg("Removing directory record failed")
			return proto.ErrIo
		}
	}
	return proto.ErrSuccess
}

func (m *Memory) createFile(r *proto.ReqCreateFile) proto.ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.files[r.FileID]; exists {
		return proto.ErrAlreadyExists
	}
	dir, ok := m.dirs[r.DirID]
	if !ok {
		return proto.ErrNotFound
	}
	m.files[r.FileID] = &file{id: r.FileID, dir: r.DirID, name: r.FileName, attrs: r.Attributes}
	dir.files[r.FileID] = struct{}{}
	m.cacheInsert(r.FileID, r.DirID, r.Attributes)
	if m.meta != nil {
		if err := m.meta.putFile(fileRecord{ID: r.FileID, Dir: r.DirID, Name: r.FileName, Attrs: r.Attributes}); err != nil {
			log.Error().Err(err).Msg("Persisting file failed")
			return proto.ErrIo
		}
	}
	return proto.ErrSuccess
}

func (m *Memory) deleteFile(r *proto.ReqDeleteFile) proto.ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[r.FileID]
	if !ok || f.dir != r.DirID {
		return proto.ErrNotFound
	}
	m.used -= uint64(len(f.data))
	delete(m.files, r.FileID)
	if dir, ok := m.dirs[f.dir]; ok {
		delete(dir.files, r.FileID)
	}
	if m.cache != nil {
		m.cache.Delete(m.cacheKey(r.FileID))
	}
	if m.meta != nil {
		if err := m.meta.deleteFile(r.FileID); err != nil {
			log.Error().Err(err).Msg("Removing file record failed")
			return proto.ErrIo
		}
	}
	return proto.ErrSuccess
}

func (m *Memory) changeFileSize(r *proto.ReqChangeFileSize) proto.ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[r.FileID]
	if !ok {
		return proto.ErrNotFound
	}
	if r.NewSize > m.cfg.CapacityBytes {
		return proto.ErrOutOfSpace
	}
	if r.NewSize < uint64(len(f.data)) {
		m.used -= uint64(len(f.data)) - r.NewSize
		f.data = f.data[:r.NewSize]
	}
	f.size = r.NewSize
	if m.meta != nil {
		if err := m.meta.putFile(fileRecord{ID: f.id, Dir: f.dir, Name: f.name, Attrs: f.attrs, Size: f.size}); err != nil {
			log.Error().Err(err).Msg("Persisting file size failed")
			return proto.ErrIo
		}
	}
	return proto.ErrSuccess
}

func (m *Memory) getFileSize(r *proto.ReqGetFileSize, resp *proto.AckGetFileSize) proto.ErrorCode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[r.FileID]
	if !ok {
		return proto.ErrNotFound
	}
	resp.Size = f.size
	return proto.ErrSuccess
}

func (m *Memory) getFileInfo(r *proto.ReqGetFileInfo, resp *proto.AckGetFileInfo) proto.ErrorCode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[r.FileID]
	if !ok {
		return proto.ErrNotFound
	}
	resp.Properties = proto.FileProperties{Attributes: f.attrs, Size: f.size, FileName: f.name}
	return proto.ErrSuccess
}

func (m *Memory) getFileAttr(r *proto.ReqGetFileAttr, resp *proto.AckGetFileAttr) proto.ErrorCode {
	// The hot-path copy of the attribute word lives in the namespace cache.
	if m.cache != nil {
		if v, ok := m.cache.Lookup(m.cacheKey(r.FileID)); ok {
			_, attrs := unpackCacheValue(&v)
			resp.Attributes = attrs
			return proto.ErrSuccess
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[r.FileID]
	if !ok {
		return proto.ErrNotFound
	}
	resp.Attributes = f.attrs
	return proto.ErrSuccess
}

func (m *Memory) getFreeSpace(resp *proto.AckGetFreeSpace) proto.ErrorCode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp.Bytes = m.cfg.CapacityBytes - m.used
	return proto.ErrSuccess
}

func (m *Memory) moveFile(r *proto.ReqMoveFile) proto.ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[r.FileID]
	if !ok {
		return proto.ErrNotFound
	}
	f.name = r.NewName
	if m.meta != nil {
		if err := m.meta.putFile(fileRecord{ID: f.id, Dir: f.dir, Name: f.name, Attrs: f.attrs, Size: f.size}); err != nil {
			log.Error().Err(err).Msg("Persisting file rename failed")
			return proto.ErrIo
		}
	}
	return proto.ErrSuccess
}

var errUnknownFile = errors.New("fileservice: unknown file")

func (m *Memory) executeData(req *DataRequest) {
	// Existence check through the cache first; a miss falls back to the
	// tree under the read lock.
	if m.cache != nil {
		if _, ok := m.cache.Lookup(m.cacheKey(req.Hdr.FileID)); !ok {
			if !m.fileExists(req.Hdr.FileID) {
				req.Complete(proto.ErrNotFound, 0)
				return
			}
		}
	} else if !m.fileExists(req.Hdr.FileID) {
		req.Complete(proto.ErrNotFound, 0)
		return
	}

	if req.IsRead {
		n, err := m.readAt(req)
		if err != nil {
			req.Complete(proto.ErrNotFound, 0)
			return
		}
		req.Complete(proto.ErrSuccess, n)
		return
	}

	n, code := m.writeAt(req)
	req.Complete(code, n)
}

func (m *Memory) fileExists(id uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[id]
	return ok
}

func (m *Memory) readAt(req *DataRequest) (uint32, error) {
	m.mu.RLock()
	f, ok := m.files[req.Hdr.FileID]
	if !ok {
		m.mu.RUnlock()
		return 0, errUnknownFile
	}

	off := req.Hdr.Offset
	want := uint64(req.Hdr.Bytes)
	if off >= f.size {
		m.mu.RUnlock()
		req.Buffer.Zero()
		return 0, nil
	}
	if off+want > f.size {
		want = f.size - off
	}

	// Unwritten holes within the file size read as zero bytes.
	out := make([]byte, want)
	if off < uint64(len(f.data)) {
		copy(out, f.data[off:])
	}
	m.mu.RUnlock()

	req.Buffer.CopyIn(out)
	return uint32(want), nil
}

func (m *Memory) writeAt(req *DataRequest) (uint32, proto.ErrorCode) {
	src := make([]byte, req.Hdr.Bytes)
	req.Buffer.CopyOut(src)

	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[req.Hdr.FileID]
	if !ok {
		return 0, proto.ErrNotFound
	}

	end := req.Hdr.Offset + uint64(req.Hdr.Bytes)
	if end > uint64(len(f.data)) {
		grow := end - uint64(len(f.data))
		if m.used+grow > m.cfg.CapacityBytes {
			return 0, proto.ErrOutOfSpace
		}
		m.used += grow
		buf := make([]byte, end)
		copy(buf, f.data)
		f.data = buf
	}
	copy(f.data[req.Hdr.Offset:end], src)
	if end > f.size {
		f.size = end
	}
	return req.Hdr.Bytes, proto.ErrSuccess
}
