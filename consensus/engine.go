package consensus

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Engine owns the node-local `m_consensusId` cursor and the per-consensusId
// ordering buffer described in spec.md section 4.4: messages belonging to
// the current id dispatch straight to their Instance; messages with a
// smaller id are discarded; messages with a larger id are buffered and
// redelivered once the cursor catches up, bounded by
// ConsensusMsgOrderBlockWindow.
type Engine struct {
	mu        sync.Mutex
	current   uint32
	advanceCh chan struct{}
	instances map[uint32]*Instance
	pending   *lru.Cache // consensusId -> []bufferedMessage
	window    time.Duration
	nextSeq   uint64
}

// bufferedMessage pairs a held-back message with the deadline after which it
// must be dropped rather than redelivered (spec.md section 4.4's bounded
// ordering window). seq disambiguates entries since Message (holding slice
// fields) is not comparable with ==.
type bufferedMessage struct {
	seq      uint64
	msg      Message
	deadline time.Time
}

// NewEngine constructs an Engine starting at consensusId startID, buffering
// out-of-order messages for up to window before dropping them.
func NewEngine(startID uint32, window time.Duration) *Engine {
	cache, _ := lru.New(256)
	return &Engine{
		current:   startID,
		advanceCh: make(chan struct{}),
		instances: make(map[uint32]*Instance),
		pending:   cache,
		window:    window,
	}
}

// Current returns the engine's local consensusId cursor.
func (e *Engine) Current() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Register associates a running Instance with its consensusId so incoming
// messages for that id can be dispatched to it.
func (e *Engine) Register(inst *Instance) {
	e.mu.Lock()
	e.instances[inst.ConsensusID()] = inst
	e.mu.Unlock()
}

// Unregister drops a finished instance, freeing its slot.
func (e *Engine) Unregister(consensusID uint32) {
	e.mu.Lock()
	delete(e.instances, consensusID)
	e.mu.Unlock()
}

// Advance moves the local cursor forward to newID and redelivers any
// messages that were buffered waiting for it.
func (e *Engine) Advance(newID uint32) {
	e.mu.Lock()
	if newID <= e.current {
		e.mu.Unlock()
		return
	}
	e.current = newID
	ch := e.advanceCh
	e.advanceCh = make(chan struct{})
	e.mu.Unlock()
	close(ch)
	e.drainPending(newID)
}

// Dispatch routes msg per spec.md section 4.4's ordering rule. Buffered
// messages are redelivered asynchronously, so Dispatch never blocks the
// caller.
func (e *Engine) Dispatch(msg Message) {
	e.mu.Lock()
	cur := e.current
	if msg.ConsensusID < cur {
		e.mu.Unlock()
		return
	}
	if msg.ConsensusID > cur {
		bm := e.bufferLocked(msg)
		ch := e.advanceCh
		e.mu.Unlock()
		go e.waitAndRedeliver(bm, ch)
		return
	}
	inst := e.instances[msg.ConsensusID]
	e.mu.Unlock()
	if inst != nil {
		inst.HandleMessage(msg)
	}
}

func (e *Engine) bufferLocked(msg Message) bufferedMessage {
	e.nextSeq++
	bm := bufferedMessage{seq: e.nextSeq, msg: msg, deadline: time.Now().Add(e.window)}
	var list []bufferedMessage
	if v, ok := e.pending.Get(msg.ConsensusID); ok {
		list = v.([]bufferedMessage)
	}
	list = append(list, bm)
	e.pending.Add(msg.ConsensusID, list)
	return bm
}

// waitAndRedeliver blocks (up to window) for the cursor to advance past the
// message's consensusId, then re-attempts dispatch. On timeout the message
// is actively dropped from the buffer — the bounded "block on a per-node
// condition variable, then drop with a warning" wait spec.md section 5 names.
func (e *Engine) waitAndRedeliver(bm bufferedMessage, ch chan struct{}) {
	select {
	case <-ch:
		e.Dispatch(bm.msg)
	case <-time.After(e.window):
		e.dropExpiredLocked(bm)
	}
}

func (e *Engine) dropExpiredLocked(bm bufferedMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.pending.Get(bm.msg.ConsensusID)
	if !ok {
		return
	}
	list := v.([]bufferedMessage)
	kept := make([]bufferedMessage, 0, len(list))
	for _, m := range list {
		if m.seq != bm.seq {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		e.pending.Remove(bm.msg.ConsensusID)
	} else {
		e.pending.Add(bm.msg.ConsensusID, kept)
	}
}

func (e *Engine) drainPending(newID uint32) {
	e.mu.Lock()
	v, ok := e.pending.Get(newID)
	if ok {
		e.pending.Remove(newID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	now := time.Now()
	for _, bm := range v.([]bufferedMessage) {
		if now.After(bm.deadline) {
			continue // expired while waiting for the cursor; drop silently
		}
		e.Dispatch(bm.msg)
	}
}
