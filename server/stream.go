package server

import (
	"context"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	"polyrpc/protocol"
)

// serveStream answers requests on conn one after another until a read or write fails,
// then closes it. Responses leave in request order.
func (b *base) serveStream(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := b.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	for {
		msg, err := protocol.ReadFrame(conn, b.cfg.MaxFrameSize)
		if err != nil {
			b.logConnErr(log, "read request", err)
			return
		}
		out, err := b.process(ctx, msg)
		if err != nil {
			log.Error("encode response", zap.Error(err))
			return
		}
		if err := protocol.WriteFrame(conn, out); err != nil {
			b.logConnErr(log, "write response", err)
			return
		}
	}
}

// logConnErr keeps ordinary disconnects and shutdown-induced errors out of the warn level.
func (b *base) logConnErr(log *zap.Logger, what string, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || b.shutdown.Load() {
		log.Debug("connection closed", zap.String("during", what), zap.Error(err))
		return
	}
	log.Warn("connection failed", zap.String("during", what), zap.Error(err))
}
