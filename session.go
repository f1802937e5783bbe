// Package telepathy is the caller-facing surface of the host-side XCP
// toolkit: one Session ties a transport, protocol client, symbol
// source, variable layer and DAQ engine together behind one operation
// set (connect, load_symbols/load_model_map, resolve, read, write,
// daq_configure, daq_start, daq_samples, daq_stop, disconnect).
package telepathy

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ultimaker/telepathy/pkg/daq"
	"github.com/ultimaker/telepathy/pkg/dwarfsym"
	"github.com/ultimaker/telepathy/pkg/modelmap"
	"github.com/ultimaker/telepathy/pkg/symbol"
	"github.com/ultimaker/telepathy/pkg/variable"
	"github.com/ultimaker/telepathy/pkg/xcp"
)

// Session is one XCP connection and everything built on top of it:
// the symbol table (from either source), the variable layer, and an
// optional DAQ engine. It is not safe for concurrent Connect/Disconnect
// calls, matching pkg/xcp.Client's own contract.
type Session struct {
	cfg Config
	id  string
	log *log.Logger
	reg *prometheus.Registry

	client   *xcp.Client
	symbols  *symbol.Table
	resolver *variable.Resolver
	daq      *daq.Engine
}

// New constructs a Session from cfg without opening any connection.
func New(cfg Config) (*Session, error) {
	l, err := newLogger(cfg.LogLevel, cfg.LogFilePattern)
	if err != nil {
		return nil, err
	}
	id := newCorrelationID()
	return &Session{
		cfg: cfg,
		id:  id,
		log: l.With("session", id),
		reg: newMetricsRegistry(),
	}, nil
}

// Registry exposes the session's Prometheus registry so a caller can
// serve /metrics itself; the core never starts an HTTP server.
func (s *Session) Registry() *prometheus.Registry { return s.reg }

// Connect opens the configured transport and performs the XCP CONNECT
// handshake. Only legal once per Session.
func (s *Session) Connect(ctx context.Context) (xcp.ConnectInfo, error) {
	t, err := s.cfg.buildTransport()
	if err != nil {
		return xcp.ConnectInfo{}, err
	}

	s.client = xcp.NewClient(t, xcp.WithLogger(s.log))
	info, err := s.client.Connect(ctx)
	if err != nil {
		return xcp.ConnectInfo{}, err
	}
	s.log.Info("connected", "maxCTO", info.MaxCTO, "maxDTO", info.MaxDTO, "byteOrder", info.ByteOrder)
	return info, nil
}

// LoadSymbols populates the symbol table from a linked debug image,
// replacing whatever table a prior LoadSymbols/LoadModelMap call
// installed.
func (s *Session) LoadSymbols(imageFile string) error {
	table, err := dwarfsym.ReadFile(imageFile)
	if err != nil {
		return err
	}
	s.installTable(table)
	s.log.Info("loaded debug symbols", "file", imageFile, "count", table.Len())
	return nil
}

// LoadModelMap walks the target's self-describing mapping structure.
// A prior LoadSymbols call must have resolved the root symbol's static
// address; the model-map table then replaces it as the operative
// symbol source.
func (s *Session) LoadModelMap(ctx context.Context) error {
	if s.symbols == nil {
		return xcp.NewStateErr("load_model_map requires load_symbols first, to resolve the root symbol's address")
	}
	rootName := s.cfg.RootSymbol
	if rootName == "" {
		rootName = modelmap.DefaultRootSymbol
	}
	rootSym, err := s.symbols.Resolve(rootName)
	if err != nil {
		return xcp.NewSymbolErr(fmt.Sprintf("root symbol %q", rootName), err)
	}

	reader := modelmap.NewReader(s.client, rootName)
	table, err := reader.Load(ctx, rootSym.Address)
	if err != nil {
		return err
	}
	s.installTable(table)
	s.log.Info("loaded model map", "root", rootName, "count", table.Len())
	return nil
}

func (s *Session) installTable(table *symbol.Table) {
	s.symbols = table
	s.resolver = variable.NewResolver(table, s.client)
}

// Resolve turns a dotted/indexed path into a Handle.
func (s *Session) Resolve(path string) (*variable.Handle, error) {
	if s.resolver == nil {
		return nil, xcp.NewStateErr("resolve called before load_symbols/load_model_map")
	}
	return s.resolver.Resolve(path)
}

// Read fetches and decodes the value behind handle.
func (s *Session) Read(ctx context.Context, handle *variable.Handle) (variable.Value, error) {
	return handle.Read(ctx)
}

// Write encodes and commits v to the target behind handle.
func (s *Session) Write(ctx context.Context, handle *variable.Handle, v variable.Value) error {
	return handle.Write(ctx, v)
}

// DAQConfigure builds and sends a fresh DAQ configuration from the
// given path -> event-channel selections, reusing the session's
// configured rate divisor, queue capacity and backpressure mode.
func (s *Session) DAQConfigure(ctx context.Context, selections map[string]int) error {
	if s.resolver == nil {
		return xcp.NewStateErr("daq_configure called before load_symbols/load_model_map")
	}

	if _, err := s.client.GetDAQProcessorInfo(ctx); err != nil {
		return fmt.Errorf("telepathy: daq capability check: %w", err)
	}

	metrics := daq.NewMetrics(s.reg, s.id)
	s.daq = daq.NewEngine(s.client, s.resolver, metrics)

	cfg := s.cfg.DAQDefaults
	cfg.Signals = make([]daq.SignalSelection, 0, len(selections))
	for path, ch := range selections {
		cfg.Signals = append(cfg.Signals, daq.SignalSelection{Path: path, EventChannel: ch})
	}
	if cfg.RateDivisor == 0 {
		cfg.RateDivisor = 1
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 64
	}

	return s.daq.Configure(ctx, cfg)
}

// DAQStart begins acquisition on every configured list.
func (s *Session) DAQStart(ctx context.Context) error {
	if s.daq == nil {
		return xcp.NewStateErr("daq_start called before daq_configure")
	}
	return s.daq.Start(ctx)
}

// DAQSamples is the bounded stream of finalised samples.
func (s *Session) DAQSamples() <-chan daq.Sample {
	if s.daq == nil {
		return nil
	}
	return s.daq.Samples()
}

// DAQStop halts acquisition. After it returns no further samples reach
// DAQSamples().
func (s *Session) DAQStop(ctx context.Context) error {
	if s.daq == nil {
		return nil
	}
	return s.daq.Stop(ctx)
}

// Disconnect stops DAQ if running and tears the connection down, legal
// from any state.
func (s *Session) Disconnect(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
