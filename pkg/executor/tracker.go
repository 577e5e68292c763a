package executor

import "github.com/rhino1998/sanskrit/pkg/hash"

// Tracker observes a bundle as it executes. Hooks fire for failed
// transactions and sections as well as successful ones; err is nil on
// success. Log and Stored fire before the section commits and stand only if
// SectionFinish reports success.
type Tracker interface {
	Log(section, txn int, line string)
	Stored(section, txn int, key hash.Hash)
	TransactionFinish(section, txn int, err error)
	SectionFinish(section int, gasUsed uint64, err error)
}

type nopTracker struct{}

func (nopTracker) Log(int, int, string)              {}
func (nopTracker) Stored(int, int, hash.Hash)        {}
func (nopTracker) TransactionFinish(int, int, error) {}
func (nopTracker) SectionFinish(int, uint64, error)  {}
