package board

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/itohio/gardenagent/pkg/ring"
)

const (
	// DefaultBaudRate is the front-end UART rate.
	DefaultBaudRate = 115200
	// DefaultBufferSize is the default frame ring capacity.
	DefaultBufferSize = 64
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Serial is a connection to the analog front-end MCU.
type Serial struct {
	port     string
	baudRate int
	log      *slog.Logger

	frames *ring.SPSC[Frame]

	mu        sync.RWMutex
	conn      io.ReadWriteCloser
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	outputs   [NumOutputs]bool // Commanded levels
	readback  [NumOutputs]bool // Levels in the latest frame
	seen      bool
	parseErrs int
}

// New creates a Serial board with the specified port, baud rate and frame buffer size.
func New(port string, baudRate int, bufSize int, log *slog.Logger) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if bufSize == 0 {
		bufSize = DefaultBufferSize
	}
	if log == nil {
		log = slog.Default()
	}

	return &Serial{
		port:     port,
		baudRate: baudRate,
		log:      log,
		frames:   ring.New[Frame](bufSize),
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Connect opens the serial port and starts reading frames.
func (d *Serial) Connect() error {
	port, err := serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}
	return d.attach(port)
}

// attach starts the reader on an already open stream.
func (d *Serial) attach(conn io.ReadWriteCloser) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		conn.Close()
		return fmt.Errorf("already connected")
	}

	d.conn = conn
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.connected = true

	go d.readFrames(d.ctx, conn)

	return nil
}

// Close stops the reader and closes the port.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	d.cancel()

	var err error
	if d.conn != nil {
		err = d.conn.Close()
		d.conn = nil
	}
	d.connected = false

	return err
}

// IsConnected returns whether the port is open.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Drain passes the frames received since the previous call.
func (d *Serial) Drain(fn func(Frame)) int {
	return d.frames.Drain(fn)
}

// ParseErrors returns the number of malformed lines seen since creation.
func (d *Serial) ParseErrors() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.parseErrs
}

// Overruns returns the number of frames dropped because the main loop fell behind.
func (d *Serial) Overruns() uint64 {
	return d.frames.Overruns()
}

// Set changes one output and sends the full output state to the MCU.
func (d *Serial) Set(o Output, high bool) error {
	if o < 0 || o >= NumOutputs {
		return fmt.Errorf("unknown output %d", o)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ErrNotConnected
	}

	next := d.outputs
	next[o] = high
	if _, err := d.conn.Write([]byte(outputCommand(next))); err != nil {
		return fmt.Errorf("failed to send output command: %w", err)
	}
	d.outputs = next

	return nil
}

// Level returns the output level reported in the latest frame.
func (d *Serial) Level(o Output) (bool, error) {
	if o < 0 || o >= NumOutputs {
		return false, fmt.Errorf("unknown output %d", o)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.connected {
		return false, ErrNotConnected
	}
	if !d.seen {
		return false, ErrNoReadback
	}
	return d.readback[o], nil
}

// readFrames reads lines from the port and queues parsed frames for the main loop.
func (d *Serial) readFrames(ctx context.Context, conn io.Reader) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		frame, err := parseLine(line)
		if err != nil {
			d.mu.Lock()
			d.parseErrs++
			d.mu.Unlock()
			d.log.Debug("frame_parse", "line", line, "err", err)
			continue
		}

		d.mu.Lock()
		d.readback = frame.Outputs
		d.seen = true
		d.mu.Unlock()

		d.frames.Push(frame)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		d.log.Warn("serial_read", "port", d.port, "err", err)
	}
}

// outputCommand encodes output levels as "PLB\n".
func outputCommand(levels [NumOutputs]bool) string {
	var cmd strings.Builder
	for _, on := range levels {
		if on {
			cmd.WriteByte('1')
		} else {
			cmd.WriteByte('0')
		}
	}
	cmd.WriteByte('\n')
	return cmd.String()
}

// parseLine parses a frame line from the MCU.
// Format: uptime_ms,moisture,temperature,humidity_x10,light,PLB
// A channel that failed to convert is sent as "-".
// Example: 81234,2048,931,600,4095,100
func parseLine(line string) (Frame, error) {
	parts := strings.Split(line, ",")
	if len(parts) != int(NumChannels)+2 {
		return Frame{}, fmt.Errorf("invalid line format: expected %d comma-separated values, got %d", NumChannels+2, len(parts))
	}

	uptime, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("invalid uptime: %w", err)
	}

	frame := Frame{Uptime: time.Duration(uptime) * time.Millisecond}

	for ch := Channel(0); ch < NumChannels; ch++ {
		field := parts[int(ch)+1]
		if field == "-" {
			continue
		}
		v, err := strconv.ParseUint(field, 10, 16)
		if err != nil {
			return Frame{}, fmt.Errorf("invalid %s value: %w", ch, err)
		}
		frame.Values[ch] = uint16(v)
		frame.Valid[ch] = true
	}

	outputs := parts[len(parts)-1]
	if len(outputs) != int(NumOutputs) {
		return Frame{}, fmt.Errorf("invalid output states: expected %d digits, got %d", NumOutputs, len(outputs))
	}
	for i := range outputs {
		switch outputs[i] {
		case '0':
		case '1':
			frame.Outputs[i] = true
		default:
			return Frame{}, fmt.Errorf("invalid output state %q", outputs[i])
		}
	}

	return frame, nil
}
