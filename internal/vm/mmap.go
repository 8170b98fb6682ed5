package vm

// DoMmap implements spec §4.4's do_mmap: reopen the file for an
// independent cursor, then install one lazily-loaded FILE page per page in
// the mapping's span.
func DoMmap(spt *SupplementalPageTable, fs FileStore, va uintptr, length int, writable bool, file FileHandle, offset int64) (uintptr, error) {
	if va == 0 || length <= 0 {
		return 0, ErrInvalidMapping
	}
	if va%PGSIZE != 0 || offset%PGSIZE != 0 {
		return 0, ErrInvalidMapping
	}

	pageCount := (length + PGSIZE - 1) / PGSIZE
	for i := 0; i < pageCount; i++ {
		pageVA := va + uintptr(i*PGSIZE)
		if pageVA >= StackLimit && pageVA < UserStack {
			return 0, ErrInvalidMapping
		}
		if _, ok := spt.Lookup(pageVA); ok {
			return 0, ErrMappingConflict
		}
	}

	reopened, err := fs.Reopen(file)
	if err != nil {
		return 0, err
	}

	remaining := length
	for i := 0; i < pageCount; i++ {
		pageVA := va + uintptr(i*PGSIZE)
		readBytes := PGSIZE
		if remaining < PGSIZE {
			readBytes = remaining
		}
		zeroBytes := PGSIZE - readBytes

		init := NewFileInitializer(reopened, offset+int64(i*PGSIZE), readBytes, zeroBytes, writable)
		if err := spt.AllocPageWithInitializer(PageFile, pageVA, writable, init, nil); err != nil {
			return 0, err
		}
		remaining -= readBytes
	}

	return va, nil
}

// DoMunmap implements spec §4.4's do_munmap: walk pages starting at va
// while an SPT entry exists, destroying each (triggering dirty writeback).
func DoMunmap(spt *SupplementalPageTable, va uintptr) {
	for addr := pageRoundDown(va); ; addr += PGSIZE {
		if _, ok := spt.Lookup(addr); !ok {
			return
		}
		spt.DestroyPage(addr)
	}
}
