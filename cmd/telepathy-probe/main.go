// telepathy-probe is a thin demo client for the telepathy package: it
// connects to a target, resolves and reads one symbol, or streams a
// DAQ selection to stdout until interrupted.
//
// Usage:
//
//	telepathy-probe --tcp host:port --image firmware.elf --read ctrl/foo
//	telepathy-probe --serial /dev/ttyUSB0 --model-map --daq ctrl/foo=1 --daq ctrl/bar=1
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ultimaker/telepathy"
	"github.com/ultimaker/telepathy/pkg/daq"
	"github.com/ultimaker/telepathy/pkg/transport"
	"github.com/ultimaker/telepathy/pkg/variable"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "Session config YAML; overrides --serial/--tcp if set")
		serialDev  = pflag.String("serial", "", "Serial device, e.g. /dev/ttyUSB0")
		baud       = pflag.Int("baud", 115200, "Serial baud rate")
		tcpAddr    = pflag.String("tcp", "", "TCP address, host:port")
		image      = pflag.StringP("image", "i", "", "Linked debug image to load symbols from")
		modelMap   = pflag.Bool("model-map", false, "Also load the target's self-describing model map")
		rootSymbol = pflag.String("root-symbol", "", "Model map root symbol override")
		readPath   = pflag.StringP("read", "r", "", "Resolve and read one symbol, then exit")
		daqSpecs   = pflag.StringArrayP("daq", "d", nil, "path=event-channel, repeatable; streams samples to stdout")
		logLevel   = pflag.String("log-level", "info", "debug, info, warn or error")
		help       = pflag.Bool("help", false, "Display help text")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - connect to a target over XCP, read or stream calibration data.\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	cfg, err := buildConfig(*configPath, *serialDev, *baud, *tcpAddr, *rootSymbol, *logLevel)
	if err != nil {
		fatal(err)
	}

	session, err := telepathy.New(cfg)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	info, err := session.Connect(ctx)
	if err != nil {
		fatal(fmt.Errorf("connect: %w", err))
	}
	fmt.Fprintf(os.Stderr, "connected: maxCTO=%d maxDTO=%d daq=%v\n", info.MaxCTO, info.MaxDTO, info.Resources.DAQ)
	defer session.Disconnect(context.Background())

	if *image != "" {
		if err := session.LoadSymbols(*image); err != nil {
			fatal(fmt.Errorf("load symbols: %w", err))
		}
	}
	if *modelMap {
		if err := session.LoadModelMap(ctx); err != nil {
			fatal(fmt.Errorf("load model map: %w", err))
		}
	}

	switch {
	case *readPath != "":
		runRead(ctx, session, *readPath)
	case len(*daqSpecs) > 0:
		runDAQ(ctx, session, *daqSpecs)
	default:
		fmt.Fprintln(os.Stderr, "nothing to do: pass --read or --daq")
		os.Exit(2)
	}
}

func buildConfig(configPath, serialDev string, baud int, tcpAddr, rootSymbol, logLevel string) (telepathy.Config, error) {
	if configPath != "" {
		return telepathy.LoadConfig(configPath)
	}

	cfg := telepathy.Config{RootSymbol: rootSymbol, LogLevel: logLevel}
	switch {
	case serialDev != "" && tcpAddr != "":
		return telepathy.Config{}, fmt.Errorf("specify only one of --serial or --tcp")
	case serialDev != "":
		cfg.Serial = &transport.SerialConfig{Device: serialDev, Baud: baud}
	case tcpAddr != "":
		cfg.TCP = &transport.TCPConfig{Address: tcpAddr}
	default:
		return telepathy.Config{}, fmt.Errorf("specify --config, --serial or --tcp")
	}
	return cfg, nil
}

func runRead(ctx context.Context, session *telepathy.Session, path string) {
	handle, err := session.Resolve(path)
	if err != nil {
		fatal(fmt.Errorf("resolve %s: %w", path, err))
	}
	value, err := session.Read(ctx, handle)
	if err != nil {
		fatal(fmt.Errorf("read %s: %w", path, err))
	}
	fmt.Println(formatValue(value))
}

func runDAQ(ctx context.Context, session *telepathy.Session, specs []string) {
	selections := make(map[string]int, len(specs))
	for _, spec := range specs {
		path, chanStr, ok := strings.Cut(spec, "=")
		if !ok {
			fatal(fmt.Errorf("malformed --daq %q, want path=event-channel", spec))
		}
		ch, err := strconv.Atoi(chanStr)
		if err != nil {
			fatal(fmt.Errorf("malformed --daq %q: %w", spec, err))
		}
		selections[path] = ch
	}

	if err := session.DAQConfigure(ctx, selections); err != nil {
		fatal(fmt.Errorf("daq configure: %w", err))
	}
	if err := session.DAQStart(ctx); err != nil {
		fatal(fmt.Errorf("daq start: %w", err))
	}
	defer session.DAQStop(context.Background())

	samples := session.DAQSamples()
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-samples:
			if !ok {
				return
			}
			printSample(sample)
		}
	}
}

func printSample(s daq.Sample) {
	fmt.Printf("[list %d] %s", s.List, s.Timestamp.Format("15:04:05.000"))
	for path, v := range s.Values {
		fmt.Printf("  %s=%s", path, formatValue(v))
	}
	fmt.Println()
}

func formatValue(v variable.Value) string {
	switch v.Kind.String() {
	case "signed-int":
		return strconv.FormatInt(v.Int, 10)
	case "unsigned-int":
		return strconv.FormatUint(v.Uint, 10)
	case "float":
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case "array":
		parts := make([]string, len(v.Array))
		for i, e := range v.Array {
			parts[i] = formatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case "record":
		parts := make([]string, 0, len(v.Fields))
		for name, field := range v.Fields {
			parts = append(parts, name+":"+formatValue(field))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return "<invalid>"
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "telepathy-probe:", err)
	os.Exit(1)
}
