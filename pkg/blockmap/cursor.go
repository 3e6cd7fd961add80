package blockmap

// Cursor points at an extent in a Fork. Unlike a pointer into the
// fork's storage, a Cursor remains usable while the fork is being
// modified: whenever the version of the fork changes, the cursor
// re-resolves its position from the logical offset of the extent it
// pointed to.
type Cursor struct {
	fork    *Fork
	version uint64
	current Extent
	valid   bool
}

// Seek returns a cursor pointing at the extent containing offset or,
// if that block is not mapped, the first extent after it.
func (f *Fork) Seek(offset uint64) *Cursor {
	c := &Cursor{fork: f}
	c.current, c.valid = f.Lookup(offset)
	c.version = f.version
	return c
}

// SeekBefore returns a cursor pointing at the last extent that starts
// before offset.
func (f *Fork) SeekBefore(offset uint64) *Cursor {
	c := &Cursor{fork: f}
	c.current, c.valid = f.LookupBefore(offset)
	c.version = f.version
	return c
}

// revalidate refreshes the extent the cursor points at if the fork
// has been modified since it was last resolved.
func (c *Cursor) revalidate() {
	if !c.valid || c.version == c.fork.version {
		return
	}
	c.current, c.valid = c.fork.Lookup(c.current.FileOffset)
	c.version = c.fork.version
}

// Extent returns the extent the cursor points at.
func (c *Cursor) Extent() (Extent, bool) {
	c.revalidate()
	return c.current, c.valid
}

// Next moves the cursor to the extent following the current one.
func (c *Cursor) Next() bool {
	if !c.valid {
		return false
	}
	c.current, c.valid = c.fork.Lookup(c.current.End())
	c.version = c.fork.version
	return c.valid
}

// Prev moves the cursor to the extent preceding the current one. This
// also works if the current extent has been removed from the fork.
func (c *Cursor) Prev() bool {
	if !c.valid {
		return false
	}
	c.current, c.valid = c.fork.LookupBefore(c.current.FileOffset)
	c.version = c.fork.version
	return c.valid
}
