package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/drunlade/go-xmodem/xmodem"
)

var (
	portName = flag.String("port", "", "serial port device (e.g. /dev/ttyUSB0); stdio when empty")
	baud     = flag.Int("baud", 9600, "serial baud rate")
	profile  = flag.String("config", "", "TOML port profile (overrides -port/-baud)")
	useCRC   = flag.Bool("crc", true, "request CRC-16 mode from the sender")
	verbose  = flag.Bool("v", false, "verbose mode")
	quiet    = flag.Bool("q", false, "quiet mode")
	logFile  = flag.String("log", "", "protocol log file (for debugging)")
	help     = flag.Bool("h", false, "show help")
	version  = flag.Bool("version", false, "show version")
)

const versionString = "xrz version 0.1.0"

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "%s: exactly one destination file must be specified\n", os.Args[0])
		showUsage(1)
	}
	destination := args[0]

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	logger, closeLogger := buildLogger(*verbose, *logFile)
	defer closeLogger()

	rw, closePort, err := openLine(*profile, *portName, *baud)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closePort()

	callbacks := &xmodem.Callbacks{
		OnProgress: func(transferred, total int64) {
			if !*quiet && *verbose {
				fmt.Fprintf(os.Stderr, "\r%s: %d bytes", destination, transferred)
			}
		},
	}

	session := xmodem.NewSession(rw,
		xmodem.WithLogger(logger),
		xmodem.WithCallbacks(callbacks),
	)

	start := time.Now()
	if err := session.ReceiveFile(ctx, destination, *useCRC); err != nil {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}
		os.Exit(1)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "\n%s received in %v\n", destination, time.Since(start).Round(time.Millisecond))
	}
}

// openLine opens the transfer byte stream: a configured serial port, or
// raw-mode stdio when no port is named.
func openLine(profile, portName string, baud int) (io.ReadWriter, func(), error) {
	var cfg *xmodem.SerialConfig
	switch {
	case profile != "":
		loaded, err := xmodem.LoadSerialConfig(profile)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	case portName != "":
		cfg = xmodem.DefaultSerialConfig(portName)
		cfg.BaudRate = baud
	default:
		restore, err := rawStdio()
		if err != nil {
			return nil, nil, err
		}
		return stdioReadWriter{}, restore, nil
	}

	port, err := xmodem.OpenSerialPort(cfg)
	if err != nil {
		return nil, nil, err
	}
	return port, func() { port.Close() }, nil
}

// rawStdio puts the controlling terminal into raw mode so protocol
// bytes pass through unmangled.
func rawStdio() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { term.Restore(fd, state) }, nil
}

type stdioReadWriter struct{}

func (stdioReadWriter) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioReadWriter) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// buildLogger assembles the protocol logger: zerolog console output in
// verbose mode, a file logger when -log is given, silence otherwise.
func buildLogger(verbose bool, logFile string) (xmodem.Logger, func()) {
	if logFile != "" {
		fl, err := xmodem.NewFileLogger(logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot open log file: %v\n", err)
			return xmodem.NoopLogger{}, func() {}
		}
		return fl, func() { fl.Close() }
	}
	if verbose {
		zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger().Level(zerolog.DebugLevel)
		return xmodem.NewZerologLogger(zl), func() {}
	}
	return xmodem.NoopLogger{}, func() {}
}

func signalContext(sigChan chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - receive a file with the XMODEM protocol

Usage: %s [options] destination

Options:
  -port string    serial port device (e.g. /dev/ttyUSB0); stdio when empty
  -baud N         serial baud rate (default: 9600)
  -config string  TOML port profile (overrides -port/-baud)
  -crc            request CRC-16 mode from the sender (default: true)
  -log string     protocol log file for debugging (optional)
  -q              quiet mode, minimal output
  -v              verbose mode
  -h              show this help message
  --version       show version

Examples:
  %s -port /dev/ttyUSB0 file.bin     # Receive over a serial port
  %s -config port.toml file.bin      # Receive using a port profile
  %s file.bin                        # Receive over stdin/stdout (raw mode)

`, versionString, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
