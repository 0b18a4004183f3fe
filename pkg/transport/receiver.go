package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// receiveWait bounds each blocking read so cancellation is noticed.
const receiveWait = 100 * time.Millisecond

const maxDatagram = 65536

// Receiver reads datagrams from one socket and hands a private copy of
// each to handle. It holds no protocol knowledge.
type Receiver struct {
	name   string
	conn   net.PacketConn
	handle func(data []byte, from *net.UDPAddr) bool
	log    *zap.Logger
}

func NewReceiver(name string, conn net.PacketConn, handle func([]byte, *net.UDPAddr) bool, log *zap.Logger) *Receiver {
	return &Receiver{name: name, conn: conn, handle: handle, log: log.With(zap.String("socket", name))}
}

func (r *Receiver) String() string { return "receiver/" + r.name }

// Serve implements suture.Service.
func (r *Receiver) Serve(ctx context.Context) error {
	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(receiveWait))
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				continue
			case errors.Is(err, net.ErrClosed):
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.Warn("socket closed under receiver")
				return suture.ErrDoNotRestart
			default:
				r.log.Debug("read failed", zap.Error(err))
				continue
			}
		}

		from, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		r.handle(data, from)
	}
}
