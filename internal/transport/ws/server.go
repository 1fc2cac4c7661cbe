package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/lighting"
)

// Sim is the simulation side of the lighting channel.
type Sim interface {
	Inbox() chan<- protocol.Command
	Attach() chan<- lighting.Consumer
	Detach() chan<- string
	TickInterval() time.Duration
}

type Config struct {
	// DefaultGridID is announced in WELCOME.
	DefaultGridID string
	// MaxQueue caps the per-session delta queue; HELLO may ask for less.
	MaxQueue int
	// EngineTimeout bounds every send to the engine's channels.
	EngineTimeout time.Duration
}

type Server struct {
	sim       Sim
	validator *protocol.Validator
	log       logrus.FieldLogger
	cfg       Config

	upgrader websocket.Upgrader
}

func NewServer(sim Sim, cfg Config, logger logrus.FieldLogger) (*Server, error) {
	v, err := protocol.NewValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 16
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = time.Second
	}
	s := &Server{
		sim:       sim,
		validator: v,
		log:       logger.WithField("component", "ws"),
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s, nil
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		session, out := s.handshake(conn)
		if session == "" {
			return
		}
		log := s.log.WithField("session", session)
		log.Info("session started")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		replies := make(chan protocol.ErrorMsg, 8)

		// Writer goroutine.
		go func() {
			for {
				var v any
				select {
				case <-ctx.Done():
					return
				case d := <-out:
					v = d
				case e := <-replies:
					v = e
				}
				if err := writeJSON(conn, v); err != nil {
					cancel()
					return
				}
			}
		}()

		reply := func(code, msg string) {
			select {
			case replies <- protocol.NewError(code, msg):
			default:
			}
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := s.validator.Validate(msg)
			if err != nil {
				reply(protocol.ErrProtoBadRequest, err.Error())
				continue
			}
			if base.ProtocolVersion != protocol.Version {
				reply(protocol.ErrProtoVersion, "unsupported protocol_version")
				continue
			}
			cmd, err := protocol.DecodeCommand(msg)
			if err != nil {
				reply(protocol.ErrProtoBadRequest, err.Error())
				continue
			}
			if !sendWithin(s.sim.Inbox(), cmd, s.cfg.EngineTimeout) {
				log.WithField("type", base.Type).Warn("engine inbox full")
				reply(protocol.ErrEngineBusy, "engine busy")
			}
		}

		// Cleanup.
		if !sendWithin(s.sim.Detach(), session, s.cfg.EngineTimeout) {
			log.Warn("engine not accepting detach")
		}
		log.Info("session ended")
	}
}

func (s *Server) handshake(conn *websocket.Conn) (session string, out chan protocol.LightDeltaMsg) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := s.validator.Validate(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, "expected HELLO"))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoVersion, "bad protocol_version"))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", nil
	}

	maxQ := hello.MaxQueue
	if maxQ <= 0 || maxQ > s.cfg.MaxQueue {
		maxQ = s.cfg.MaxQueue
	}
	out = make(chan protocol.LightDeltaMsg, maxQ)
	session = uuid.NewString()

	if !sendWithin(s.sim.Attach(), lighting.Consumer{ID: session, Out: out}, s.cfg.EngineTimeout) {
		s.log.WithField("session", session).Warn("engine not accepting consumers")
		_ = writeJSON(conn, protocol.NewError(protocol.ErrEngineBusy, "engine busy"))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "engine busy"), time.Now().Add(time.Second))
		return "", nil
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       session,
		TickIntervalMs:  int(s.sim.TickInterval() / time.Millisecond),
		ActiveGridID:    s.cfg.DefaultGridID,
	}
	if err := writeJSON(conn, welcome); err != nil {
		sendWithin(s.sim.Detach(), session, s.cfg.EngineTimeout)
		return "", nil
	}
	return session, out
}

func sendWithin[T any](ch chan<- T, v T, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case ch <- v:
		return true
	case <-t.C:
		return false
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
