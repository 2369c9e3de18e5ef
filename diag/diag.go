// Package diag serves diagnostic dumps to anything that connects. Each connection
// receives one dump and is closed.
package diag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
	"golang.org/x/sync/errgroup"
)

// Dumper writes a diagnostic dump.
type Dumper interface {
	Dump(w io.Writer) error
}

// DumperFunc adapts a function to Dumper.
type DumperFunc func(w io.Writer) error

func (f DumperFunc) Dump(w io.Writer) error { return f(w) }

// Server writes Dumper's output to each connection.
type Server struct {
	Dumper Dumper

	// WriteTimeout bounds each dump. If it's zero, dumps get 5s.
	WriteTimeout time.Duration

	// Logger receives connection errors. If it's nil, slog.Default is used.
	Logger *slog.Logger
}

var ErrAddr = errors.New("diag: bad listen address")

// Listen listens on addr, which is one of tcp:HOST:PORT, unix:PATH or vsock:PORT.
func Listen(addr string) (net.Listener, error) {
	network, where, ok := strings.Cut(addr, ":")
	if !ok || where == "" {
		return nil, fmt.Errorf("%w: %q", ErrAddr, addr)
	}

	switch network {
	case "tcp", "unix":
		return net.Listen(network, where)

	case "vsock":
		port, err := strconv.ParseUint(where, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrAddr, addr, err)
		}

		l, err := vsock.Listen(uint32(port), nil)
		if err != nil {
			return nil, err
		}

		return l, nil

	default:
		return nil, fmt.Errorf("%w: %q: unknown network %q", ErrAddr, addr, network)
	}
}

// Serve accepts connections on l until ctx is done. It closes l.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	var g errgroup.Group

	for {
		c, err := l.Accept()
		if err != nil {
			g.Wait()

			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		g.Go(func() error {
			if err := s.serveConn(c); err != nil {
				log.Warn("diag: dump failed", "remote", c.RemoteAddr(), "err", err)
			}

			return nil
		})
	}
}

func (s *Server) serveConn(c net.Conn) error {
	defer c.Close()

	timeout := s.WriteTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	if err := c.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	return s.Dumper.Dump(c)
}
