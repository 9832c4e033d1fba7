package tele

import "sync"

// Stat is a low priority delivery counter buffer. Updated at any time,
// read for diagnostics.
type Stat struct {
	sync.Mutex
	Published uint32
	Failed    uint32
}

func (self *Stat) Success() {
	self.Lock()
	self.Published++
	self.Unlock()
}

func (self *Stat) Failure() {
	self.Lock()
	self.Failed++
	self.Unlock()
}

func (self *Stat) Copy() (published, failed uint32) {
	self.Lock()
	defer self.Unlock()
	return self.Published, self.Failed
}
