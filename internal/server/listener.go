package server

import (
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

const acceptRetryDelay = 50 * time.Millisecond

// loggedListener keeps an accept loop alive across accept errors. Only a
// closed listener ends it.
type loggedListener struct {
	net.Listener
}

func (l *loggedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		log.Warn().Err(err).Msgf("server.listener accept error addr=%s", l.Addr())
		time.Sleep(acceptRetryDelay)
	}
}
