package smartpay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slog"
)

// Operation selects the receive framing used for an exchange. Framing is keyed
// by operation, not by stage, so other flows can reuse the same policies.
type Operation string

const (
	OpSubmitPayment              Operation = "SUBMITPAYMENT"
	OpProcessTransaction         Operation = "PROCESSTRANSACTION"
	OpCustomerReceipt            Operation = "CUSTOMERECEIPT"
	OpProcessTransactionResponse Operation = "PROCESSTRANSACTIONRESPONSE"
	OpFinalise                   Operation = "FINALISE"
	OpVoid                       Operation = "VOID"
)

// markers the framing policies look for in received chunks
const (
	markerDisplayMessage      = "posDisplayMessage"
	markerPrintReceipt        = "posPrintReceipt"
	markerTransactionResponse = "processTransactionResponse"
	markerCancelled           = "CANCELLED"
)

// readBufferSize bounds a single chunk; it must hold the largest terminal reply.
const readBufferSize = 4086

var ErrUnknownOperation = errors.New("unknown operation")

type ReplyKind int

const (
	// ReplyFrame carries a frame accepted by the operation's framing policy.
	ReplyFrame ReplyKind = iota
	// ReplyEmpty means the terminal closed the stream or sent nothing the policy accepts.
	ReplyEmpty
	ReplyTransportError
	ReplyTimeout
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyFrame:
		return "frame"
	case ReplyEmpty:
		return "empty"
	case ReplyTransportError:
		return "transport_error"
	case ReplyTimeout:
		return "timeout"
	}
	return "unknown"
}

// Reply is the tagged result of one exchange.
type Reply struct {
	Kind  ReplyKind
	Frame string
	Err   error
}

// Text returns the frame, or "" for every other kind.
func (r Reply) Text() string {
	if r.Kind != ReplyFrame {
		return ""
	}
	return r.Frame
}

// DialFunc opens the TCP connection for one exchange.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type ChannelConfig struct {
	// Host of SmartPay Connect. Empty resolves to the local host address.
	Host string
	Port int
	// DialTimeout bounds connection setup.
	DialTimeout time.Duration
	// ReadTimeout bounds the wait for each chunk. Zero waits for the terminal.
	ReadTimeout time.Duration
}

// Channel sends envelopes to SmartPay Connect. Every exchange uses its own
// connection; nothing is shared between exchanges.
type Channel struct {
	addr        string
	dial        DialFunc
	readTimeout time.Duration
	logger      *slog.Logger
}

func NewChannel(logger *slog.Logger, cfg ChannelConfig) *Channel {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}

	return &Channel{
		addr:        net.JoinHostPort(resolveHost(cfg.Host), strconv.Itoa(cfg.Port)),
		dial:        dialer.DialContext,
		readTimeout: cfg.ReadTimeout,
		logger:      logger.With(slog.String("component", "channel")),
	}
}

// WithDialer replaces the dial function. Used to route exchanges through a
// custom transport.
func (c *Channel) WithDialer(dial DialFunc) *Channel {
	c.dial = dial
	return c
}

func (c *Channel) Addr() string {
	return c.addr
}

// Exchange connects, sends the envelope and receives according to the
// framing policy of op. Faults never escape as errors: they are logged and
// reported through the reply kind.
func (c *Channel) Exchange(ctx context.Context, op Operation, env Envelope) Reply {
	logger := c.logger.With(slog.String("op", string(op)), slog.String("addr", c.addr))

	if !knownOperation(op) {
		logger.Error("exchange", "err", ErrUnknownOperation)
		return Reply{Kind: ReplyTransportError, Err: fmt.Errorf("%w: %s", ErrUnknownOperation, op)}
	}

	msg, err := env.Marshal()
	if err != nil {
		logger.Error("building envelope", "err", err)
		return Reply{Kind: ReplyTransportError, Err: err}
	}

	conn, err := c.dial(ctx, "tcp", c.addr)
	if err != nil {
		logger.Error("connecting to terminal", "err", err)
		return c.fault(err)
	}
	defer conn.Close()

	if _, err := conn.Write(msg); err != nil {
		logger.Error("sending envelope", "err", err)
		return c.fault(fmt.Errorf("writing envelope: %w", err))
	}
	logger.Debug("envelope sent", slog.Int("bytes", len(msg)))

	reply := c.receive(conn, op)
	switch reply.Kind {
	case ReplyFrame:
		logger.Info("reply received", slog.Int("bytes", len(reply.Frame)))
	default:
		logger.Error("no usable reply", slog.String("kind", reply.Kind.String()), "err", reply.Err)
	}

	return reply
}

func (c *Channel) receive(conn net.Conn, op Operation) Reply {
	buf := make([]byte, readBufferSize)

	for {
		if c.readTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				return c.fault(err)
			}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if reply, done := accept(op, string(buf[:n])); done {
				return reply
			}
		} else if op == OpVoid && err == nil {
			return Reply{Kind: ReplyEmpty}
		}
		if err != nil {
			return c.fault(err)
		}
	}
}

// accept applies the framing policy of op to one chunk. It reports whether
// the exchange is over.
func accept(op Operation, chunk string) (Reply, bool) {
	switch op {
	case OpSubmitPayment, OpFinalise:
		return Reply{Kind: ReplyFrame, Frame: chunk}, true

	case OpProcessTransaction, OpCustomerReceipt:
		if strings.Contains(chunk, markerPrintReceipt) {
			return Reply{Kind: ReplyFrame, Frame: chunk}, true
		}
		if strings.Contains(chunk, markerDisplayMessage) {
			return Reply{}, false
		}
		return Reply{Kind: ReplyEmpty, Err: fmt.Errorf("unexpected frame while waiting for %s", markerPrintReceipt)}, true

	case OpProcessTransactionResponse:
		if strings.Contains(chunk, markerTransactionResponse) {
			return Reply{Kind: ReplyFrame, Frame: chunk}, true
		}
		return Reply{}, false

	case OpVoid:
		if strings.Contains(chunk, markerCancelled) {
			return Reply{Kind: ReplyFrame, Frame: chunk}, true
		}
		return Reply{Kind: ReplyEmpty, Err: fmt.Errorf("void reply without %s", markerCancelled)}, true
	}

	return Reply{Kind: ReplyTransportError, Err: ErrUnknownOperation}, true
}

func (c *Channel) fault(err error) Reply {
	if errors.Is(err, io.EOF) {
		return Reply{Kind: ReplyEmpty, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Reply{Kind: ReplyTimeout, Err: err}
	}
	return Reply{Kind: ReplyTransportError, Err: err}
}

func knownOperation(op Operation) bool {
	switch op {
	case OpSubmitPayment, OpProcessTransaction, OpCustomerReceipt,
		OpProcessTransactionResponse, OpFinalise, OpVoid:
		return true
	}
	return false
}

// resolveHost returns host, or the first address of the local host name when
// host is empty.
func resolveHost(host string) string {
	if host != "" {
		return host
	}
	name, err := os.Hostname()
	if err == nil {
		if addrs, err := net.LookupHost(name); err == nil && len(addrs) > 0 {
			return addrs[0]
		}
	}
	return "127.0.0.1"
}
