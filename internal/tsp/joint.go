package tsp

import "sync"

// jointTermination counts the plugins which agreed to end the processing
// together. When all of them declared completion, the output stops after
// the highest packet count any of them reached.
type jointTermination struct {
	mu        sync.Mutex
	users     int
	remaining int
	highest   uint64
}

// UseJointTermination registers or unregisters the plugin as a joint
// terminator. A plugin which already completed stays counted.
func (e *Executor) UseJointTermination(on bool) {
	jt := &e.proc.jt
	jt.mu.Lock()
	defer jt.mu.Unlock()

	switch {
	case on && !e.useJT:
		e.useJT = true
		jt.users++
		if !e.jtCompleted {
			jt.remaining++
		}
	case !on && e.useJT && !e.jtCompleted:
		e.useJT = false
		jt.users--
		jt.remaining--
	}
}

// JointTerminate declares the plugin done. Packets keep flowing until all
// joint terminators are done.
func (e *Executor) JointTerminate() {
	jt := &e.proc.jt
	jt.mu.Lock()
	defer jt.mu.Unlock()

	if !e.useJT || e.jtCompleted {
		return
	}
	e.jtCompleted = true
	jt.remaining--
	if total := e.TotalPackets(); total > jt.highest {
		jt.highest = total
	}
	e.log.Debug("joint termination", "packets", e.TotalPackets(), "remaining", jt.remaining)
	if jt.remaining == 0 && !e.proc.opts.IgnoreJointTermination {
		e.proc.log.Info("all plugins completed under joint termination", "packets", jt.highest)
	}
}

// jointLimit returns the number of packets the output may still send in
// total, and false while joint termination is not triggered.
func (p *Processor) jointLimit() (uint64, bool) {
	if p.opts.IgnoreJointTermination {
		return 0, false
	}
	p.jt.mu.Lock()
	defer p.jt.mu.Unlock()
	if p.jt.users == 0 || p.jt.remaining > 0 {
		return 0, false
	}
	return p.jt.highest, true
}
