package core

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// client_gateway.go is the node-side half of the CLI/client contract: a
// client submits a signed operation or an admin command over a plain TCP
// connection using wire_codec.go's tag+varint framing, the same envelope
// bootstrap already speaks. One frame in, one frame out, no method
// routing, no HTTP.

const (
	gatewayTagSubmitOperation byte = 1

	gatewayRespOK  byte = 0
	gatewayRespErr byte = 1
)

const (
	adminTagStopNode byte = 1
	adminTagBan      byte = 2
	adminTagUnban    byte = 3
)

// ClientGateway runs the public (operation submission) and private (node
// admin) listeners.
type ClientGateway struct {
	logger *logrus.Logger
	pool   OperationPool
	prop   *Propagator
	onStop func()

	publicLn  net.Listener
	privateLn net.Listener
	wg        sync.WaitGroup
}

// NewClientGateway builds a gateway forwarding submitted operations to pool
// (verifying and re-announcing them via prop) and running onStop when a
// client issues stop_node.
func NewClientGateway(logger *logrus.Logger, pool OperationPool, prop *Propagator, onStop func()) *ClientGateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ClientGateway{logger: logger, pool: pool, prop: prop, onStop: onStop}
}

// Start opens the public and private listeners. Either address may be empty
// to skip that listener (e.g. a node run without client admin access).
func (g *ClientGateway) Start(publicAddr, privateAddr string) error {
	if publicAddr != "" {
		ln, err := net.Listen("tcp", publicAddr)
		if err != nil {
			return fmt.Errorf("client gateway: listen public %s: %w", publicAddr, err)
		}
		g.publicLn = ln
		g.wg.Add(1)
		go g.acceptLoop(ln, g.handlePublicConn)
	}
	if privateAddr != "" {
		ln, err := net.Listen("tcp", privateAddr)
		if err != nil {
			return fmt.Errorf("client gateway: listen private %s: %w", privateAddr, err)
		}
		g.privateLn = ln
		g.wg.Add(1)
		go g.acceptLoop(ln, g.handlePrivateConn)
	}
	return nil
}

// Stop closes both listeners and waits for in-flight connections to finish.
func (g *ClientGateway) Stop() {
	if g.publicLn != nil {
		g.publicLn.Close()
	}
	if g.privateLn != nil {
		g.privateLn.Close()
	}
	g.wg.Wait()
}

func (g *ClientGateway) acceptLoop(ln net.Listener, handle func(net.Conn)) {
	defer g.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			handle(conn)
		}()
	}
}

func (g *ClientGateway) handlePublicConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	tag, payload, err := ReadFrame(conn)
	if err != nil {
		g.logger.Warnf("client gateway: read from %s: %v", remote, err)
		return
	}
	if tag != gatewayTagSubmitOperation {
		writeGatewayErr(conn, fmt.Sprintf("unknown request tag %d", tag))
		return
	}

	op, err := DecodeOperation(payload)
	if err != nil {
		writeGatewayErr(conn, fmt.Sprintf("decode operation: %v", err))
		return
	}
	if err := VerifyOperation(op); err != nil {
		writeGatewayErr(conn, fmt.Sprintf("signature invalid: %v", err))
		return
	}
	id, err := op.ID()
	if err != nil {
		writeGatewayErr(conn, fmt.Sprintf("hash operation: %v", err))
		return
	}
	if err := g.pool.Add(op); err != nil {
		writeGatewayErr(conn, fmt.Sprintf("pool rejected operation: %v", err))
		return
	}
	if g.prop != nil {
		g.prop.AnnounceOperation(id)
	}
	if err := WriteFrame(conn, gatewayRespOK, id[:]); err != nil {
		g.logger.Warnf("client gateway: write response to %s: %v", remote, err)
	}
}

func writeGatewayErr(conn net.Conn, msg string) {
	_ = WriteFrame(conn, gatewayRespErr, []byte(msg))
}

func (g *ClientGateway) handlePrivateConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	tag, payload, err := ReadFrame(conn)
	if err != nil {
		g.logger.Warnf("client gateway: admin read from %s: %v", remote, err)
		return
	}
	switch tag {
	case adminTagStopNode:
		_ = WriteFrame(conn, gatewayRespOK, nil)
		if g.onStop != nil {
			go g.onStop()
		}
	case adminTagBan:
		if g.prop == nil {
			writeGatewayErr(conn, "gossip not running, nothing to ban from")
			return
		}
		g.prop.Ban(string(payload), "banned via admin gateway")
		_ = WriteFrame(conn, gatewayRespOK, nil)
	case adminTagUnban:
		if g.prop == nil {
			writeGatewayErr(conn, "gossip not running, nothing to unban from")
			return
		}
		g.prop.Unban(string(payload))
		_ = WriteFrame(conn, gatewayRespOK, nil)
	default:
		writeGatewayErr(conn, fmt.Sprintf("unknown admin tag %d", tag))
	}
}
