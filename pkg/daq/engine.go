package daq

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ultimaker/telepathy/pkg/variable"
	"github.com/ultimaker/telepathy/pkg/xcp"
)

// daqClient is the subset of *xcp.Client the engine drives through the
// allocation sequence and start/stop transitions.
type daqClient interface {
	GetDAQProcessorInfo(ctx context.Context) (xcp.DAQProcessorInfo, error)
	GetDAQResolutionInfo(ctx context.Context) (xcp.DAQResolutionInfo, error)
	GetDAQClock(ctx context.Context) (uint32, error)
	FreeDAQ(ctx context.Context) error
	AllocDAQ(ctx context.Context, count int) error
	AllocODT(ctx context.Context, list, odtCount int) error
	AllocODTEntry(ctx context.Context, list, odt, entryCount int) error
	SetDAQPtr(ctx context.Context, list, odt, entry int) error
	WriteDAQ(ctx context.Context, size uint8, addr uint32) error
	SetDAQListMode(ctx context.Context, list int, mode xcp.DAQListMode, eventChannel int, prescaler, priority uint8) error
	StartStopDAQList(ctx context.Context, list int, mode byte) (byte, error)
	StartStopSynch(ctx context.Context, mode byte) error
	SetDAQPIDFloor(floor int)
	SetDAQSink(sink xcp.DAQSink)
	MarkDAQConfigured()
	ConnectInfo() xcp.ConnectInfo
}

// symbolResolver is the subset of *variable.Resolver the engine needs:
// just enough to learn a signal's address and type, never its value.
type symbolResolver interface {
	Resolve(path string) (*variable.Handle, error)
}

// odtOverhead is the one PID byte every DAQ packet spends before its
// payload.
const odtOverhead = 1

// Engine is one DAQ session: configuration, target-side allocation,
// reassembly, and bounded delivery to Samples().
type Engine struct {
	client   daqClient
	resolver symbolResolver
	metrics  *Metrics

	mu          sync.Mutex
	cfg         Config
	lists       []plannedList
	reassembler *reassembler
	stopped     bool
	tickPeriod  time.Duration

	queue chan Sample
}

// tickDuration converts GET_DAQ_RESOLUTION_INFO's clock granularity
// into the wall-clock duration one target tick represents.
// TimestampUnitExponent is a power-of-ten exponent on seconds (e.g. -3
// for milliseconds); TimestampTicksPerUnit ticks make up one such unit.
func tickDuration(info xcp.DAQResolutionInfo) time.Duration {
	if info.TimestampSize == 0 || info.TimestampTicksPerUnit <= 0 {
		return 0
	}
	unit := math.Pow(10, float64(info.TimestampUnitExponent))
	return time.Duration(unit / float64(info.TimestampTicksPerUnit) * float64(time.Second))
}

type plannedList struct {
	eventChannel int
	odts         []odtLayout
	timestamped  bool
}

// NewEngine constructs an Engine against client and resolver. metrics
// may be nil, in which case no Prometheus collectors are updated.
func NewEngine(client daqClient, resolver symbolResolver, metrics *Metrics) *Engine {
	return &Engine{client: client, resolver: resolver, metrics: metrics}
}

// Configure validates cfg, resolves every signal, packs entries into
// ODTs respecting MAX_DTO, and runs the FREE_DAQ/ALLOC_*/WRITE_DAQ
// sequence. It never starts acquisition: configuration and start are
// separate steps.
func (e *Engine) Configure(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	byChannel := map[int][]SignalSelection{}
	var channelOrder []int
	for _, sel := range cfg.Signals {
		if _, seen := byChannel[sel.EventChannel]; !seen {
			channelOrder = append(channelOrder, sel.EventChannel)
		}
		byChannel[sel.EventChannel] = append(byChannel[sel.EventChannel], sel)
	}

	maxDTO := e.client.ConnectInfo().MaxDTO
	if maxDTO <= odtOverhead {
		return fmt.Errorf("daq: MAX_DTO %d too small to carry any DAQ payload", maxDTO)
	}

	var tickPeriod time.Duration
	if e.client.ConnectInfo().TimestampSupported {
		res, err := e.client.GetDAQResolutionInfo(ctx)
		if err != nil {
			return err
		}
		tickPeriod = tickDuration(res)
	}

	var plans []plannedList
	for _, ch := range channelOrder {
		odts, err := e.planList(byChannel[ch], maxDTO)
		if err != nil {
			return err
		}
		plans = append(plans, plannedList{eventChannel: ch, odts: odts, timestamped: e.client.ConnectInfo().TimestampSupported})
	}

	if err := e.client.FreeDAQ(ctx); err != nil {
		return err
	}
	if err := e.client.AllocDAQ(ctx, len(plans)); err != nil {
		return err
	}

	listODTCounts := make([]int, len(plans))
	for list, plan := range plans {
		listODTCounts[list] = len(plan.odts)
	}
	alloc := newAllocator(listODTCounts, func(list, odt int) int {
		return len(plans[list].odts[odt].signals)
	})

	for list, plan := range plans {
		if err := e.client.AllocODT(ctx, list, len(plan.odts)); err != nil {
			return err
		}
		for _, odt := range plan.odts {
			if err := e.client.AllocODTEntry(ctx, list, odt.odt, len(odt.signals)); err != nil {
				return err
			}
		}
		for _, odt := range plan.odts {
			for _, entry := range odt.signals {
				slot, err := alloc.acquire()
				if err != nil {
					return err
				}
				if err := e.client.SetDAQPtr(ctx, slot.list, slot.odt, slot.entry); err != nil {
					return err
				}
				sym, err := e.resolver.Resolve(entry.path)
				if err != nil {
					return err
				}
				if err := e.client.WriteDAQ(ctx, uint8(entry.typ.Size()), sym.Symbol.Address); err != nil {
					return err
				}
			}
		}
		supportsTimestamp := e.client.ConnectInfo().TimestampSupported
		if err := e.client.SetDAQListMode(ctx, list, xcp.DAQListMode{Selected: true, Timestamp: supportsTimestamp}, plan.eventChannel, cfg.RateDivisor, 0); err != nil {
			return err
		}
	}

	e.client.MarkDAQConfigured()

	e.mu.Lock()
	e.cfg = cfg
	e.lists = plans
	e.tickPeriod = tickPeriod
	capacity := cfg.QueueCapacity
	e.queue = make(chan Sample, capacity)
	e.stopped = false
	e.mu.Unlock()

	return nil
}

// planList resolves each selection's symbol and packs entries into
// ODTs so that no ODT's packed payload (plus its one PID byte) exceeds
// MAX_DTO, starting a new ODT whenever the next entry would overflow.
func (e *Engine) planList(sels []SignalSelection, maxDTO int) ([]odtLayout, error) {
	var odts []odtLayout
	var current []layoutEntry
	budget := maxDTO - odtOverhead

	flush := func() {
		if len(current) > 0 {
			odts = append(odts, odtLayout{odt: len(odts), signals: current})
			current = nil
		}
	}

	used := 0
	for _, sel := range sels {
		sym, err := e.resolver.Resolve(sel.Path)
		if err != nil {
			return nil, err
		}
		size := sym.Symbol.Type.Size()
		if size > budget {
			return nil, fmt.Errorf("daq: signal %q (%d bytes) does not fit in one ODT (budget %d)", sel.Path, size, budget)
		}
		if used+size > budget {
			flush()
			used = 0
		}
		current = append(current, layoutEntry{path: sel.Path, typ: sym.Symbol.Type})
		used += size
	}
	flush()

	if len(odts) == 0 {
		return nil, fmt.Errorf("daq: event channel produced no ODTs")
	}
	return odts, nil
}

// Start transitions DAQConfigured -> DAQRunning: it starts every
// configured list, learns each list's first assigned PID, registers
// the reassembler, and installs it as the client's DAQ sink.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	lists := e.lists
	tickPeriod := e.tickPeriod
	hostTime := !e.client.ConnectInfo().TimestampSupported
	e.mu.Unlock()

	var clockRefTicks uint32
	var clockRefHost time.Time
	if !hostTime {
		ticks, err := e.client.GetDAQClock(ctx)
		if err != nil {
			return err
		}
		clockRefTicks = ticks
		clockRefHost = receptionTime()
	}

	e.mu.Lock()
	e.reassembler = newReassembler(hostTime, tickPeriod, clockRefTicks, clockRefHost)
	e.stopped = false
	e.mu.Unlock()

	var minPID byte = 0xFF
	for list, plan := range lists {
		firstPID, err := e.client.StartStopDAQList(ctx, list, 1)
		if err != nil {
			return err
		}
		if firstPID < minPID {
			minPID = firstPID
		}
		e.mu.Lock()
		e.reassembler.registerList(list, firstPID, plan.odts, plan.timestamped)
		e.mu.Unlock()
	}
	e.client.SetDAQPIDFloor(int(minPID) + maxODTCount(lists) - 1)

	if err := e.client.StartStopSynch(ctx, 1); err != nil {
		return err
	}

	e.client.SetDAQSink(e.onDAQPacket)
	if e.metrics != nil {
		e.metrics.ConnectionUp.Set(1)
	}
	return nil
}

func maxODTCount(lists []plannedList) int {
	max := 0
	for _, l := range lists {
		if len(l.odts) > max {
			max = len(l.odts)
		}
	}
	return max
}

// Stop transitions back to DAQConfigured. Once Stop returns, the sink
// is already detached and a stopped flag guards the reassembler, so no
// further samples reach the consumer queue.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.client.StartStopSynch(ctx, 0)

	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.client.SetDAQSink(nil)
	if e.metrics != nil {
		e.metrics.ConnectionUp.Set(0)
	}
	return err
}

// Samples returns the bounded stream of finalised samples. Valid after
// Configure. It is never closed; callers stop reading once Stop has
// been called.
func (e *Engine) Samples() <-chan Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue
}

func (e *Engine) onDAQPacket(raw []byte) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	sample, ok := e.reassembler.feed(raw, func() {
		if e.metrics != nil {
			e.metrics.SamplesDropped.Inc()
		}
	})
	queue := e.queue
	backpressure := e.cfg.Backpressure
	e.mu.Unlock()

	if !ok {
		return
	}
	e.push(queue, backpressure, sample)
}

func (e *Engine) push(queue chan Sample, mode BackpressureMode, sample Sample) {
	if mode == Block {
		queue <- sample
		if e.metrics != nil {
			e.metrics.SamplesPushed.Inc()
		}
		return
	}

	select {
	case queue <- sample:
	default:
		select {
		case <-queue:
			if e.metrics != nil {
				e.metrics.SamplesDropped.Inc()
			}
		default:
		}
		select {
		case queue <- sample:
		default:
		}
	}
	if e.metrics != nil {
		e.metrics.SamplesPushed.Inc()
	}
}
