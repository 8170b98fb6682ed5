package vm

// uninitBackend is every page's initial backend. Its swapIn runs the
// recorded initializer — which swaps p.backend to the real (anon or file)
// backend — and then delegates to that backend's own swapIn, matching
// spec §4.4's "first invocation runs the UNINIT initializer, transitioning
// the page to its real type".
type uninitBackend struct {
	realType PageType
	init     func(p *Page, aux any) bool
	aux      any
}

func (u *uninitBackend) swapIn(p *Page, f *Frame) error {
	if !u.init(p, u.aux) {
		return ErrInitFailed
	}
	return p.backend.swapIn(p, f)
}

func (u *uninitBackend) swapOut(p *Page) error {
	// An UNINIT page has never held a frame; nothing to write back.
	return nil
}

func (u *uninitBackend) destroy(p *Page) {}
