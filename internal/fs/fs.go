// Package fs is the flat in-RAM filesystem (§4.9, C9): a fixed inode
// table, a free-frame bitmap over a fixed block array, singly-linked block
// chains for file data, and a single directory block for the (flat) name
// space. Grounded on fs_t/inode_t/dirent_t in include/fs/fs.h and
// fs_create/fs_write/fs_read/fs_mkdir/fs_readdir in src/fs/fs.c.
package fs

import "github.com/zacharyr0th/simple-os/internal/kernelerr"

const (
	MaxInodes  = 64
	NumBlocks  = 1024
	BlockSize  = 512
	MaxNameLen = 28
	RootInode  = 1
)

// InodeType distinguishes files from directories.
type InodeType int

const (
	TypeFree InodeType = iota
	TypeFile
	TypeDir
)

type inode struct {
	typ       InodeType
	size      int64
	firstBlk  int // -1 if none
	openCount int
}

// block is one fixed-size block in the chain; Next is -1 for the tail.
type block struct {
	data [BlockSize]byte
	next int
	used bool
}

// dirent is one name->inode entry in a directory's single block.
type dirent struct {
	used  bool
	name  string
	inode uint32
}

const dirEntriesPerBlock = BlockSize / 32 // name + inode + used flag, rounded

// Stat mirrors the original stat_t: inode number, size, type.
type Stat struct {
	Inode uint32
	Size  int64
	Type  InodeType
}

// FS is the whole flat in-RAM filesystem.
type FS struct {
	inodes [MaxInodes]inode
	blocks [NumBlocks]block
}

// MkFS builds a fresh filesystem with the root directory created at inode
// RootInode.
func MkFS() *FS {
	f := &FS{}
	for i := range f.inodes {
		f.inodes[i].firstBlk = -1
	}
	for i := range f.blocks {
		f.blocks[i].next = -1
	}
	// root directory
	f.inodes[RootInode].typ = TypeDir
	blk, err := f.allocBlock()
	if err != nil {
		panic("MkFS: not enough blocks for root directory")
	}
	f.inodes[RootInode].firstBlk = blk
	return f
}

func (f *FS) allocBlock() (int, error) {
	for i := 0; i < NumBlocks; i++ {
		if !f.blocks[i].used {
			f.blocks[i].used = true
			f.blocks[i].next = -1
			return i, nil
		}
	}
	return -1, kernelerr.OutOfMemory
}

func (f *FS) freeBlock(i int) {
	f.blocks[i].used = false
	f.blocks[i].next = -1
}

func (f *FS) allocInode(typ InodeType) (uint32, error) {
	for i := 2; i < MaxInodes; i++ { // 0 = free sentinel, 1 = root
		if f.inodes[i].typ == TypeFree {
			f.inodes[i] = inode{typ: typ, firstBlk: -1}
			return uint32(i), nil
		}
	}
	return 0, kernelerr.TableFull
}

func (f *FS) dirBlock(dirInode uint32) *block {
	return &f.blocks[f.inodes[dirInode].firstBlk]
}

func readDirents(b *block) []dirent {
	out := make([]dirent, 0, dirEntriesPerBlock)
	off := 0
	for i := 0; i < dirEntriesPerBlock; i++ {
		used := b.data[off] == 1
		if used {
			nameEnd := off + 1
			for nameEnd < off+1+MaxNameLen && b.data[nameEnd] != 0 {
				nameEnd++
			}
			name := string(b.data[off+1 : nameEnd])
			inum := uint32(b.data[off+29]) | uint32(b.data[off+30])<<8 | uint32(b.data[off+31])<<16
			out = append(out, dirent{used: true, name: name, inode: inum})
		} else {
			out = append(out, dirent{})
		}
		off += 32
	}
	return out
}

func writeDirent(b *block, idx int, d dirent) {
	off := idx * 32
	for i := 0; i < 32; i++ {
		b.data[off+i] = 0
	}
	if d.used {
		b.data[off] = 1
		copy(b.data[off+1:off+1+MaxNameLen], d.name)
		b.data[off+29] = byte(d.inode)
		b.data[off+30] = byte(d.inode >> 8)
		b.data[off+31] = byte(d.inode >> 16)
	}
}

// finddir linearly scans the root directory's single block by name.
func (f *FS) finddir(name string) (uint32, bool) {
	b := f.dirBlock(RootInode)
	for _, d := range readDirents(b) {
		if d.used && d.name == name {
			return d.inode, true
		}
	}
	return 0, false
}

func (f *FS) addDirent(dirInode uint32, name string, inum uint32) error {
	b := f.dirBlock(dirInode)
	ents := readDirents(b)
	for i, d := range ents {
		if !d.used {
			writeDirent(b, i, dirent{used: true, name: name, inode: inum})
			return nil
		}
	}
	return kernelerr.TableFull
}

// Create makes a new flat-path file (v1: all names resolve under root).
func (f *FS) Create(name string) (uint32, error) {
	if _, ok := f.finddir(name); ok {
		return 0, kernelerr.InvalidArgument
	}
	inum, err := f.allocInode(TypeFile)
	if err != nil {
		return 0, err
	}
	if err := f.addDirent(RootInode, name, inum); err != nil {
		f.inodes[inum] = inode{firstBlk: -1}
		return 0, err
	}
	return inum, nil
}

// Mkdir creates a directory inode with one block holding its entry table.
func (f *FS) Mkdir(name string) (uint32, error) {
	if _, ok := f.finddir(name); ok {
		return 0, kernelerr.InvalidArgument
	}
	inum, err := f.allocInode(TypeDir)
	if err != nil {
		return 0, err
	}
	blk, err := f.allocBlock()
	if err != nil {
		f.inodes[inum] = inode{firstBlk: -1}
		return 0, err
	}
	f.inodes[inum].firstBlk = blk
	if err := f.addDirent(RootInode, name, inum); err != nil {
		f.freeBlock(blk)
		f.inodes[inum] = inode{firstBlk: -1}
		return 0, err
	}
	return inum, nil
}

// Lookup resolves a flat path (leading "/" optional) to an inode number.
func (f *FS) Lookup(path string) (uint32, bool) {
	name := trimSlash(path)
	if name == "" || name == "/" {
		return RootInode, true
	}
	return f.finddir(name)
}

func trimSlash(path string) string {
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}
	return path[i:]
}

// Stat fills out a Stat for the named path.
func (f *FS) Stat(path string) (Stat, error) {
	inum, ok := f.Lookup(path)
	if !ok {
		return Stat{}, kernelerr.NoSuchFile
	}
	in := f.inodes[inum]
	return Stat{Inode: inum, Size: in.size, Type: in.typ}, nil
}

func (f *FS) chainLen(inum uint32) int {
	n := 0
	for b := f.inodes[inum].firstBlk; b != -1; b = f.blocks[b].next {
		n++
	}
	return n
}

// Open increments the inode's open-FD reference count.
func (f *FS) Open(inum uint32) {
	f.inodes[inum].openCount++
}

// CloseInode decrements the reference count; per §4.9, once all FDs close
// an inode its chain is freed immediately.
func (f *FS) CloseInode(inum uint32) {
	f.inodes[inum].openCount--
	if f.inodes[inum].openCount <= 0 {
		in := &f.inodes[inum]
		b := in.firstBlk
		for b != -1 {
			nb := f.blocks[b].next
			f.freeBlock(b)
			b = nb
		}
		// The chain is gone; leaving firstBlk/size pointing at it would let a
		// later reopen of this inode read through whatever unrelated file
		// next claims the freed blocks.
		in.firstBlk = -1
		in.size = 0
	}
}

// Read streams up to len(dst) bytes from inum starting at offset.
func (f *FS) Read(inum uint32, offset int64, dst []byte) (int, error) {
	in := &f.inodes[inum]
	if offset >= in.size {
		return 0, nil
	}
	remaining := in.size - offset
	if int64(len(dst)) > remaining {
		dst = dst[:remaining]
	}
	blkIdx := int(offset / BlockSize)
	blkOff := int(offset % BlockSize)

	b := in.firstBlk
	for i := 0; i < blkIdx && b != -1; i++ {
		b = f.blocks[b].next
	}
	n := 0
	for n < len(dst) && b != -1 {
		avail := BlockSize - blkOff
		c := copy(dst[n:], f.blocks[b].data[blkOff:blkOff+avail])
		n += c
		blkOff = 0
		b = f.blocks[b].next
	}
	return n, nil
}

// Write extends the chain as needed and grows size when offset+written
// exceeds the current size.
func (f *FS) Write(inum uint32, offset int64, src []byte) (int, error) {
	in := &f.inodes[inum]
	blkIdx := int(offset / BlockSize)
	blkOff := int(offset % BlockSize)

	if in.firstBlk == -1 {
		nb, err := f.allocBlock()
		if err != nil {
			return 0, err
		}
		in.firstBlk = nb
	}

	b := in.firstBlk
	for i := 0; i < blkIdx; i++ {
		if f.blocks[b].next == -1 {
			nb, err := f.allocBlock()
			if err != nil {
				return 0, err
			}
			f.blocks[b].next = nb
		}
		b = f.blocks[b].next
	}

	n := 0
	for n < len(src) {
		avail := BlockSize - blkOff
		c := copy(f.blocks[b].data[blkOff:], src[n:])
		n += c
		blkOff = 0
		if n < len(src) {
			if f.blocks[b].next == -1 {
				nb, err := f.allocBlock()
				if err != nil {
					return n, err
				}
				f.blocks[b].next = nb
			}
			b = f.blocks[b].next
		}
		if c < avail {
			break
		}
	}
	if end := offset + int64(n); end > in.size {
		in.size = end
	}
	return n, nil
}

// Readdir returns the i-th non-empty entry of a directory inode.
func (f *FS) Readdir(dirInode uint32, i int) (name string, inum uint32, ok bool) {
	b := f.dirBlock(dirInode)
	ents := readDirents(b)
	idx := 0
	for _, d := range ents {
		if !d.used {
			continue
		}
		if idx == i {
			return d.name, d.inode, true
		}
		idx++
	}
	return "", 0, false
}
