package fat32

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/Easimer/kernel/kassert"
	"github.com/Easimer/kernel/volume"
)

// openFile is spec.md §3's "FAT32 open file": (starting cluster, current
// cluster, byte offset, size, directory-cluster-that-holds-my-entry,
// valid flag).
type openFile struct {
	valid         bool
	startCluster  uint32
	currentCluster uint32
	offset        uint32
	size          uint32
	direntLoc     dirEntryLocation
}

func splitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func (m *Mount) allocHandle() (int, error) {
	for i := range m.files {
		if !m.files[i].valid {
			return i, nil
		}
	}
	return -1, errors.New("fat32: open-file table full")
}

// Open implements spec.md §4.6.6: splits the path on '/', walking from
// the root cluster, descending into subdirectories for non-final
// segments, and selecting the final segment's file. With ModeCreate on a
// final segment that doesn't exist, allocates a cluster, fills a new
// short-name dirent, and inserts it.
func (Driver) Open(state interface{}, path string, mode int) (interface{}, uint64, error) {
	m := state.(*Mount)
	return m.open(path, mode)
}

func (m *Mount) open(path string, mode int) (interface{}, uint64, error) {
	if mode&volume.ModeWrite != 0 && m.writeProtected {
		return nil, 0, errors.New("fat32: volume is write-protected")
	}
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, 0, errors.New("fat32: empty path")
	}

	dirCluster := m.rootCluster
	var loc dirEntryLocation
	var d dirent
	var found bool
	var err error

	for i, seg := range segs {
		last := i == len(segs)-1
		loc, d, found, err = m.findInDirectory(dirCluster, seg)
		if err != nil {
			return nil, 0, err
		}
		if !found {
			if !last || mode&volume.ModeCreate == 0 {
				return nil, 0, errors.Errorf("fat32: %q not found", path)
			}
			newCluster, aerr := m.allocateCluster()
			if aerr != nil {
				return nil, 0, aerr
			}
			if newCluster == 0 {
				return nil, 0, errors.New("fat32: volume full")
			}
			loc, err = m.insertEntry(dirCluster, seg, attrArchive, newCluster)
			if err != nil {
				return nil, 0, err
			}
			d = dirent{name: seg, attr: attrArchive, cluster: newCluster, size: 0}
			found = true
		}
		if !last {
			if d.attr&attrDirectory == 0 {
				return nil, 0, errors.Errorf("fat32: %q is not a directory", seg)
			}
			dirCluster = d.cluster
			continue
		}
		if d.attr&attrDirectory != 0 {
			return nil, 0, errors.Errorf("fat32: %q is a directory", seg)
		}
	}

	slot, err := m.allocHandle()
	if err != nil {
		return nil, 0, err
	}
	m.files[slot] = openFile{
		valid: true, startCluster: d.cluster, currentCluster: d.cluster,
		size: d.size, direntLoc: loc,
	}
	return &m.files[slot], uint64(d.size), nil
}

func asOpenFile(handle interface{}) *openFile {
	return handle.(*openFile)
}

// Read implements spec.md §4.6.7: computes the local offset within the
// current cluster and remaining bytes in both cluster and file, loads the
// cluster through the cache, and copies; advances current_cluster via
// get_fat_entry when the intra-cluster remainder reaches zero. Returns 0
// at EOF (size - offset == 0).
func (Driver) Read(state interface{}, handle interface{}, buf []byte) (int, error) {
	m := state.(*Mount)
	f := asOpenFile(handle)
	return m.read(f, buf)
}

func (m *Mount) read(f *openFile, buf []byte) (int, error) {
	kassert.Assert(f.valid, "fat32: Read on a closed handle")
	total := 0
	for len(buf) > 0 {
		remainInFile := int(f.size) - int(f.offset)
		if remainInFile <= 0 {
			break
		}
		clusterOff := f.offset % m.clusterSize
		remainInCluster := int(m.clusterSize - clusterOff)
		n := len(buf)
		if n > remainInFile {
			n = remainInFile
		}
		if n > remainInCluster {
			n = remainInCluster
		}
		if err := m.loadCluster(f.currentCluster); err != nil {
			return total, err
		}
		copy(buf[:n], m.clusterCache[clusterOff:clusterOff+uint32(n)])
		buf = buf[n:]
		f.offset += uint32(n)
		total += n

		if f.offset%m.clusterSize == 0 && int(f.size)-int(f.offset) > 0 {
			next, err := m.getFATEntry(f.currentCluster)
			if err != nil {
				return total, err
			}
			if isEndOfChain(next) {
				break
			}
			f.currentCluster = next & fatEntryMask
		}
	}
	return total, nil
}

// Write implements spec.md §4.6.8: symmetrical to Read. When a write
// would extend beyond the current cluster, calls next_cluster (allocating
// when necessary). Updates size when offset exceeds it. Every
// modification marks the cluster cache dirty.
func (Driver) Write(state interface{}, handle interface{}, buf []byte) (int, error) {
	m := state.(*Mount)
	f := asOpenFile(handle)
	return m.write(f, buf)
}

func (m *Mount) write(f *openFile, buf []byte) (int, error) {
	kassert.Assert(f.valid, "fat32: Write on a closed handle")
	total := 0
	for len(buf) > 0 {
		clusterOff := f.offset % m.clusterSize
		remainInCluster := int(m.clusterSize - clusterOff)
		n := len(buf)
		if n > remainInCluster {
			n = remainInCluster
		}
		if err := m.loadCluster(f.currentCluster); err != nil {
			return total, err
		}
		copy(m.clusterCache[clusterOff:clusterOff+uint32(n)], buf[:n])
		m.clusterCacheDirty = true
		buf = buf[n:]
		f.offset += uint32(n)
		total += n
		if f.offset > f.size {
			f.size = f.offset
		}

		if f.offset%m.clusterSize == 0 && len(buf) > 0 {
			next, err := m.nextCluster(f.currentCluster)
			if err != nil {
				return total, err
			}
			if next == 0 {
				return total, errors.New("fat32: volume full")
			}
			f.currentCluster = next
		}
	}
	return total, nil
}

// Close implements spec.md §4.6.9: updates the dirent's size, flushes the
// cluster cache, then returns the handle to the free pool.
func (Driver) Close(state interface{}, handle interface{}) error {
	m := state.(*Mount)
	f := asOpenFile(handle)
	if err := m.updateEntrySize(f.direntLoc, f.size); err != nil {
		return err
	}
	if err := m.flushClusterCache(); err != nil {
		return err
	}
	f.valid = false
	return nil
}

// Seek implements spec.md §4.6.11: computes a new byte offset clamped to
// [0, size], then walks the cluster chain from the start cluster to find
// the containing cluster at that offset. It skips the walk (and changes
// nothing) when the new offset already equals the current offset; any
// other target, including the file size, is re-walked.
func (Driver) Seek(state interface{}, handle interface{}, offset int64, whence int) (int64, error) {
	m := state.(*Mount)
	f := asOpenFile(handle)
	return m.seek(f, offset, whence)
}

func (m *Mount) seek(f *openFile, offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case volume.SeekSet:
		target = offset
	case volume.SeekCur:
		target = int64(f.offset) + offset
	case volume.SeekEnd:
		target = int64(f.size) + offset
	default:
		return 0, errors.Errorf("fat32: invalid whence %d", whence)
	}
	if target < 0 {
		target = 0
	}
	if target > int64(f.size) {
		target = int64(f.size)
	}
	if uint32(target) == f.offset {
		return target, nil
	}

	cluster := f.startCluster
	remaining := target
	for remaining >= int64(m.clusterSize) && remaining > 0 {
		next, err := m.getFATEntry(cluster)
		if err != nil {
			return 0, err
		}
		if isEndOfChain(next) {
			break
		}
		cluster = next & fatEntryMask
		remaining -= int64(m.clusterSize)
	}
	f.currentCluster = cluster
	f.offset = uint32(target)
	return target, nil
}

// Tell implements spec.md §4.6.11.
func (Driver) Tell(state interface{}, handle interface{}) int64 {
	return int64(asOpenFile(handle).offset)
}
