package fat32

import (
	"strings"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"
)

// dirEntrySize is the fixed 32-byte short-name directory entry size
// (spec.md §4.6.5).
const dirEntrySize = 32

// Directory entry attribute bits.
const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrDevice    = 0x40
)

// rawDirent is the on-disk 32-byte short-name directory entry.
type rawDirent struct {
	Name       [8]byte
	Ext        [3]byte
	Attr       uint8
	NTReserved uint8
	CreateTimeTenth uint8
	CreateTime uint16
	CreateDate uint16
	LastAccessDate uint16
	ClusterHi  uint16
	WriteTime  uint16
	WriteDate  uint16
	ClusterLo  uint16
	Size       uint32
}

// dirent is the decoded, concatenated-name form of rawDirent, per spec.md
// §4.6.5: "converts the 8-byte name (space-padded) and 3-byte extension
// ... into a concatenated NAME.EXT-or-NAME representation."
type dirent struct {
	name    string // "NAME.EXT" or "NAME"
	attr    uint8
	cluster uint32
	size    uint32
}

func (r *rawDirent) cluster() uint32 {
	return uint32(r.ClusterHi)<<16 | uint32(r.ClusterLo)
}

func (r *rawDirent) isDir() bool    { return r.Attr&attrDirectory != 0 }
func (r *rawDirent) decode() dirent {
	name := strings.TrimRight(string(r.Name[:]), " ")
	ext := strings.TrimRight(string(r.Ext[:]), " ")
	full := name
	if ext != "" {
		full = name + "." + ext
	}
	return dirent{name: full, attr: r.Attr, cluster: r.cluster(), size: r.Size}
}

// encodeShortName splits "NAME.EXT"-or-"NAME" into the space-padded
// 8.3 fields spec.md §4.6.6 describes for a newly created entry.
func encodeShortName(name string) (n [8]byte, e [3]byte) {
	for i := range n {
		n[i] = ' '
	}
	for i := range e {
		e[i] = ' '
	}
	base, ext := name, ""
	if dot := strings.LastIndex(name, "."); dot >= 0 {
		base, ext = name[:dot], name[dot+1:]
	}
	copy(n[:], strings.ToUpper(base))
	copy(e[:], strings.ToUpper(ext))
	return
}

// dirEntryLocation identifies where a decoded dirent physically lives, so
// Close can update the same 32-byte slot.
type dirEntryLocation struct {
	cluster uint32
	offset  int // byte offset within the cluster
}

// findInDirectory implements spec.md §4.6.5: walks dirCluster's chain
// (following the FAT until end-of-chain or the 65,536-entry safety
// bound), iterating over 32-byte entries. Skips end-of-directory (first
// byte 0), volume-label, and device entries. Returns the directory
// cluster where the entry was found and the decoded dirent.
func (m *Mount) findInDirectory(dirCluster uint32, name string) (dirEntryLocation, dirent, bool, error) {
	cluster := dirCluster
	checked := 0
	for {
		if err := m.loadCluster(cluster); err != nil {
			return dirEntryLocation{}, dirent{}, false, err
		}
		for off := 0; off+dirEntrySize <= len(m.clusterCache); off += dirEntrySize {
			if checked >= maxDirEntries {
				return dirEntryLocation{}, dirent{}, false, nil
			}
			checked++
			raw := m.clusterCache[off : off+dirEntrySize]
			if raw[0] == 0 {
				continue // end-of-directory marker: skipped, not a stop
			}
			if raw[0] == 0xE5 {
				continue // deleted entry
			}
			var rd rawDirent
			if err := restruct.Unpack(raw, wireOrder, &rd); err != nil {
				return dirEntryLocation{}, dirent{}, false, errors.Wrap(err, "fat32: decoding directory entry")
			}
			if rd.Attr&attrVolumeID != 0 || rd.Attr&attrDevice != 0 {
				continue
			}
			d := rd.decode()
			if strings.EqualFold(d.name, name) {
				return dirEntryLocation{cluster: cluster, offset: off}, d, true, nil
			}
		}
		entry, err := m.getFATEntry(cluster)
		if err != nil {
			return dirEntryLocation{}, dirent{}, false, err
		}
		if isEndOfChain(entry) {
			return dirEntryLocation{}, dirent{}, false, nil
		}
		cluster = entry & fatEntryMask
	}
}

// insertEntry extends dirCluster with nextCluster when the current
// cluster has no free slot, and writes a new short-name entry (spec.md
// §4.6.6): "inserts it into the current directory (extending the
// directory with next_cluster if the current cluster has no free slot)".
func (m *Mount) insertEntry(dirCluster uint32, name string, attr uint8, cluster uint32) (dirEntryLocation, error) {
	cl := dirCluster
	for {
		if err := m.loadCluster(cl); err != nil {
			return dirEntryLocation{}, err
		}
		for off := 0; off+dirEntrySize <= len(m.clusterCache); off += dirEntrySize {
			b := m.clusterCache[off]
			if b == 0 || b == 0xE5 {
				nbase, next := encodeShortName(name)
				rd := rawDirent{
					Name: nbase, Ext: next, Attr: attr,
					ClusterHi: uint16(cluster >> 16), ClusterLo: uint16(cluster),
				}
				raw, err := restruct.Pack(wireOrder, &rd)
				if err != nil {
					return dirEntryLocation{}, errors.Wrap(err, "fat32: encoding new directory entry")
				}
				copy(m.clusterCache[off:off+dirEntrySize], raw)
				if b == 0 && off+dirEntrySize < len(m.clusterCache) {
					m.clusterCache[off+dirEntrySize] = 0 // terminate directory if this was the last live entry
				}
				m.clusterCacheDirty = true
				return dirEntryLocation{cluster: cl, offset: off}, nil
			}
		}
		next, err := m.nextCluster(cl)
		if err != nil {
			return dirEntryLocation{}, err
		}
		if next == 0 {
			return dirEntryLocation{}, errors.New("fat32: volume full, cannot extend directory")
		}
		cl = next
	}
}

// updateEntrySize rewrites the Size field of the 32-byte entry at loc,
// used by Close (spec.md §4.6.9).
func (m *Mount) updateEntrySize(loc dirEntryLocation, size uint32) error {
	if err := m.loadCluster(loc.cluster); err != nil {
		return err
	}
	wireOrder.PutUint32(m.clusterCache[loc.offset+28:], size)
	m.clusterCacheDirty = true
	return nil
}
