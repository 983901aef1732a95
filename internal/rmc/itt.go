package rmc

// ITTCapacity is the number of transaction ids
const ITTCapacity = 128

// ITTEntry tracks the unrolled sub-requests of one work request
type ITTEntry struct {
	Requested uint32
	Completed uint32
	Rejected  uint32
	// LocalAddr is the guest virtual buffer of the work request
	LocalAddr uint64
	// BaselineOffset is the remote offset of the first cache line
	BaselineOffset uint64
	QueuePair      uint8
}

// Done reports whether every sub-request has been answered
func (e *ITTEntry) Done() bool { return e.Completed == e.Requested }

// Success is the CQ success code for a finished entry
func (e *ITTEntry) Success() uint8 {
	if e.Rejected > 0 {
		return 0
	}
	return 1
}

// InflightTable is indexed by tid. Ids are not guarded against reuse.
type InflightTable struct {
	entries [ITTCapacity]ITTEntry
}

// NewInflightTable returns an empty table
func NewInflightTable() *InflightTable {
	return &InflightTable{}
}

// Create installs a fresh entry for tid, overwriting whatever was there
func (t *InflightTable) Create(tid uint8, requested uint32, localAddr, baselineOffset uint64, qp uint8) {
	t.entries[tid%ITTCapacity] = ITTEntry{
		Requested:      requested,
		LocalAddr:      localAddr,
		BaselineOffset: baselineOffset,
		QueuePair:      qp,
	}
}

// RecordCompletion counts one answered sub-request and reports whether the entry is now done
func (t *InflightTable) RecordCompletion(tid uint8) bool {
	e := &t.entries[tid%ITTCapacity]
	e.Completed++
	return e.Done()
}

// RecordRejection counts one rejected sub-request as answered
func (t *InflightTable) RecordRejection(tid uint8) bool {
	e := &t.entries[tid%ITTCapacity]
	e.Rejected++
	e.Completed++
	return e.Done()
}

// Entry returns a copy of the entry for tid
func (t *InflightTable) Entry(tid uint8) ITTEntry {
	return t.entries[tid%ITTCapacity]
}
