package fat32

import (
	"github.com/pkg/errors"

	"github.com/Easimer/kernel/volume"
)

// loadFATPage implements spec.md §4.6.2's load_fat_page: if page differs
// from the cached index, flush if dirty, then read; else return the
// cached buffer unchanged.
func (m *Mount) loadFATPage(page uint32) error {
	if m.fatCacheIdx == int32(page) {
		return nil
	}
	if err := m.flushFATCache(); err != nil {
		return err
	}
	if err := volume.ReadBlocks(indexOf(m.vol), uint64(m.firstFATSector+page), m.fatCache[:]); err != nil {
		return errors.Wrapf(err, "fat32: loading FAT page %d", page)
	}
	m.fatCacheIdx = int32(page)
	m.fatCacheDirty = false
	return nil
}

func (m *Mount) flushFATCache() error {
	if !m.fatCacheDirty || m.fatCacheIdx < 0 {
		return nil
	}
	if err := volume.WriteBlocks(indexOf(m.vol), uint64(m.firstFATSector+uint32(m.fatCacheIdx)), m.fatCache[:]); err != nil {
		return errors.Wrapf(err, "fat32: flushing FAT page %d", m.fatCacheIdx)
	}
	m.fatCacheDirty = false
	return nil
}

// clusterToSector converts a virtual cluster index (>= 2) to its first
// data sector, per spec.md §4.6.2.
func (m *Mount) clusterToSector(vci uint32) uint32 {
	return m.dataStartSector + (vci-2)*m.sectorsPerCluster
}

// loadCluster implements spec.md §4.6.2's load_cluster.
func (m *Mount) loadCluster(vci uint32) error {
	if m.clusterCacheIdx == int64(vci) {
		return nil
	}
	if err := m.flushClusterCache(); err != nil {
		return err
	}
	if err := volume.ReadBlocks(indexOf(m.vol), uint64(m.clusterToSector(vci)), m.clusterCache); err != nil {
		return errors.Wrapf(err, "fat32: loading cluster %d", vci)
	}
	m.clusterCacheIdx = int64(vci)
	m.clusterCacheDirty = false
	return nil
}

func (m *Mount) flushClusterCache() error {
	if !m.clusterCacheDirty || m.clusterCacheIdx < 0 {
		return nil
	}
	if err := volume.WriteBlocks(indexOf(m.vol), uint64(m.clusterToSector(uint32(m.clusterCacheIdx))), m.clusterCache); err != nil {
		return errors.Wrapf(err, "fat32: flushing cluster %d", m.clusterCacheIdx)
	}
	m.clusterCacheDirty = false
	return nil
}

// getFATEntry implements spec.md §4.6.3: the 32-bit entry at word index
// vci mod 128 of page vci / 128.
func (m *Mount) getFATEntry(vci uint32) (uint32, error) {
	page := vci / 128
	word := vci % 128
	if err := m.loadFATPage(page); err != nil {
		return 0, err
	}
	return wireOrder.Uint32(m.fatCache[word*4:]), nil
}

// setFATEntry updates the word, preserving the reserved top nibble, sets
// the FAT cache dirty, and optionally flushes immediately (spec.md
// §4.6.3).
func (m *Mount) setFATEntry(vci, value uint32, flush bool) error {
	page := vci / 128
	word := vci % 128
	if err := m.loadFATPage(page); err != nil {
		return err
	}
	old := wireOrder.Uint32(m.fatCache[word*4:])
	updated := (old & fatEntryResvMask) | (value & fatEntryMask)
	wireOrder.PutUint32(m.fatCache[word*4:], updated)
	m.fatCacheDirty = true
	if flush {
		return m.flushFATCache()
	}
	return nil
}

// allocateCluster implements spec.md §4.6.4: linearly scans FAT pages for
// a zero entry; on finding one, marks it end-of-chain, flags the FAT
// cache dirty, and zero-fills the data cluster (saving/restoring the
// previous cluster-cache index). Returns 0 ("no cluster") when the volume
// is full.
func (m *Mount) allocateCluster() (uint32, error) {
	totalEntries := m.sectorsPerFAT * sectorSize / 4
	for vci := uint32(2); vci < totalEntries; vci++ {
		e, err := m.getFATEntry(vci)
		if err != nil {
			return 0, err
		}
		if e == freeEntry {
			if err := m.setFATEntry(vci, eocMarker, false); err != nil {
				return 0, err
			}
			if err := m.zeroFillCluster(vci); err != nil {
				return 0, err
			}
			return vci, nil
		}
	}
	return 0, nil
}

// zeroFillCluster writes zeros to cluster vci, saving and restoring the
// previous cluster-cache index so an in-progress read/write through the
// cache is undisturbed.
func (m *Mount) zeroFillCluster(vci uint32) error {
	savedIdx := m.clusterCacheIdx
	savedDirty := m.clusterCacheDirty
	var saved []byte
	if savedIdx >= 0 {
		saved = append([]byte(nil), m.clusterCache...)
	}

	if err := m.flushClusterCache(); err != nil {
		return err
	}
	for i := range m.clusterCache {
		m.clusterCache[i] = 0
	}
	m.clusterCacheIdx = int64(vci)
	m.clusterCacheDirty = true
	if err := m.flushClusterCache(); err != nil {
		return err
	}

	m.clusterCacheIdx = -1
	if savedIdx >= 0 {
		if err := m.loadCluster(uint32(savedIdx)); err != nil {
			return err
		}
		copy(m.clusterCache, saved)
		m.clusterCacheDirty = savedDirty
	}
	return nil
}

// isEndOfChain reports whether a FAT entry value denotes end-of-chain
// (spec.md §4.6: "0x0FFFFFF0..0x0FFFFFFF").
func isEndOfChain(entry uint32) bool {
	return entry&fatEntryMask >= eocRangeLow
}

// nextCluster implements spec.md §4.6.4: if current's entry is
// end-of-chain, allocates a new cluster and chains it behind current;
// otherwise returns the stored successor. Returns 0 if the volume is full.
func (m *Mount) nextCluster(current uint32) (uint32, error) {
	e, err := m.getFATEntry(current)
	if err != nil {
		return 0, err
	}
	if isEndOfChain(e) {
		next, err := m.allocateCluster()
		if err != nil {
			return 0, err
		}
		if next == 0 {
			return 0, nil
		}
		if err := m.setFATEntry(current, next, false); err != nil {
			return 0, err
		}
		return next, nil
	}
	return e & fatEntryMask, nil
}
