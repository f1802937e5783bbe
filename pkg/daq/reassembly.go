package daq

import (
	"encoding/binary"
	"time"

	"github.com/ultimaker/telepathy/pkg/symbol"
	"github.com/ultimaker/telepathy/pkg/variable"
)

// Sample is one finalised, timestamped acquisition across every signal
// in a list.
type Sample struct {
	List      int
	Timestamp time.Time
	// TargetTicks and HostTimestamped are mutually informative: when
	// HostTimestamped is false, Timestamp was derived from TargetTicks
	// using the clock resolution GET_DAQ_RESOLUTION_INFO reported; when
	// true, the target does not support timestamping and Timestamp was
	// applied at reception instead, at reduced precision.
	TargetTicks     uint32
	HostTimestamped bool
	Values          map[string]variable.Value
}

// odtLayout is the entries one ODT carries, in wire order, so incoming
// payload bytes can be sliced and decoded against each signal's type.
type odtLayout struct {
	list    int
	odt     int
	signals []layoutEntry
}

type layoutEntry struct {
	path string
	typ  *symbol.Type
}

// listLayout is everything the reassembler needs about one DAQ list:
// its ODTs in order, whether the target stamps its first ODT, and the
// in-progress partial sample (if ODT 0 has arrived but not all ODTs).
type listLayout struct {
	odts      []odtLayout
	timestamp bool

	partial     map[string]variable.Value
	haveODT     []bool
	targetTicks uint32
	hostStamp   time.Time
}

// reassembler tracks one listLayout per configured list and turns
// arriving raw DAQ packets into finalised Samples, tolerating ODTs
// that arrive out of order within an acquisition cycle.
type reassembler struct {
	pidToODT map[byte]odtRef
	lists    map[int]*listLayout
	hostTime bool // target does not support timestamping; engine stamps at reception

	// tickPeriod, clockRefTicks and clockRefHost correlate the target's
	// free-running DAQ clock (GET_DAQ_CLOCK) with host wall-clock time,
	// using the tick duration GET_DAQ_RESOLUTION_INFO reported. They are
	// unused when hostTime is true.
	tickPeriod    time.Duration
	clockRefTicks uint32
	clockRefHost  time.Time
}

type odtRef struct {
	list int
	odt  int
}

func newReassembler(hostTime bool, tickPeriod time.Duration, clockRefTicks uint32, clockRefHost time.Time) *reassembler {
	return &reassembler{
		pidToODT:      map[byte]odtRef{},
		lists:         map[int]*listLayout{},
		hostTime:      hostTime,
		tickPeriod:    tickPeriod,
		clockRefTicks: clockRefTicks,
		clockRefHost:  clockRefHost,
	}
}

// deriveTimestamp converts a target tick count into a wall-clock time
// using the clock correlation established at Start: the number of
// ticks elapsed since clockRefTicks (accounting for uint32 wraparound),
// scaled by tickPeriod and added to clockRefHost. Returns the zero Time
// if tickPeriod is unknown (resolution info was never read).
func (r *reassembler) deriveTimestamp(ticks uint32) time.Time {
	if r.tickPeriod <= 0 {
		return time.Time{}
	}
	delta := int64(ticks) - int64(r.clockRefTicks)
	if delta < 0 {
		delta += 1 << 32
	}
	return r.clockRefHost.Add(time.Duration(delta) * r.tickPeriod)
}

func (r *reassembler) registerList(list int, firstPID byte, odts []odtLayout, timestamped bool) {
	for i, o := range odts {
		r.pidToODT[firstPID+byte(i)] = odtRef{list: list, odt: o.odt}
	}
	haveODT := make([]bool, len(odts))
	r.lists[list] = &listLayout{odts: odts, timestamp: timestamped && !r.hostTime, haveODT: haveODT}
}

// feed decodes one raw DAQ packet (leading PID byte, then the ODT's
// packed values) and returns a finalised Sample when every ODT of the
// current cycle for that list has arrived.
func (r *reassembler) feed(raw []byte, droppedCounter func()) (Sample, bool) {
	if len(raw) == 0 {
		return Sample{}, false
	}
	pid := raw[0]
	ref, ok := r.pidToODT[pid]
	if !ok {
		droppedCounter()
		return Sample{}, false
	}
	list := r.lists[ref.list]
	if list == nil {
		droppedCounter()
		return Sample{}, false
	}

	var odt *odtLayout
	odtSeq := -1
	for i := range list.odts {
		if list.odts[i].odt == ref.odt {
			odt = &list.odts[i]
			odtSeq = i
			break
		}
	}
	if odt == nil {
		droppedCounter()
		return Sample{}, false
	}

	payload := raw[1:]

	if ref.odt == 0 {
		// First ODT of a new cycle: any previous partial sample that
		// never completed is dropped and counted as data loss.
		if list.partial != nil && !allTrue(list.haveODT) {
			droppedCounter()
		}
		list.partial = map[string]variable.Value{}
		for i := range list.haveODT {
			list.haveODT[i] = false
		}
		if list.timestamp {
			if len(payload) >= 4 {
				list.targetTicks = binary.LittleEndian.Uint32(payload[:4])
				payload = payload[4:]
				list.hostStamp = r.deriveTimestamp(list.targetTicks)
			}
		} else {
			list.hostStamp = receptionTime()
		}
	}

	if list.partial == nil {
		// ODT for a cycle whose ODT 0 we never saw: the window has
		// already closed on this sample.
		droppedCounter()
		return Sample{}, false
	}

	offset := 0
	for _, entry := range odt.signals {
		size := entry.typ.Size()
		if offset+size > len(payload) {
			droppedCounter()
			return Sample{}, false
		}
		v, err := variable.Decode(entry.typ, payload[offset:offset+size])
		if err != nil {
			droppedCounter()
			return Sample{}, false
		}
		list.partial[entry.path] = v
		offset += size
	}
	list.haveODT[odtSeq] = true

	if !allTrue(list.haveODT) {
		return Sample{}, false
	}

	sample := Sample{
		List:            ref.list,
		Timestamp:       list.hostStamp,
		TargetTicks:     list.targetTicks,
		HostTimestamped: !list.timestamp,
		Values:          list.partial,
	}
	list.partial = nil
	return sample, true
}

func allTrue(bs []bool) bool {
	for _, b := range bs {
		if !b {
			return false
		}
	}
	return len(bs) > 0
}

// receptionTime is a var so tests can stub a deterministic clock; in
// production it is time.Now.
var receptionTime = time.Now
