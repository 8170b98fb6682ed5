package process

import "github.com/arctir/pintos/internal/ksync"

// ChildStatus is the record a parent keeps per child, per spec §4.5: a
// place for the child to report fork success/failure and, later, its exit
// status, without the parent needing direct access to the child's Process.
type ChildStatus struct {
	PID        int64
	ExitStatus int
	Waited     bool
	ForkFailed bool

	// forkDone is upped once by the child's setup code, whether fork
	// succeeded or failed; the parent's Fork call blocks on it.
	forkDone *ksync.Semaphore
	// exited is upped once by the child's exit path; a waiting parent's
	// Wait call blocks on it.
	exited *ksync.Semaphore
}

func newChildStatus() *ChildStatus {
	return &ChildStatus{
		forkDone: ksync.NewSemaphore(0, nil, nil),
		exited:   ksync.NewSemaphore(0, nil, nil),
	}
}
