// Package ws bridges a game host to the lifecycle core over websocket.
// The host mirrors player bodies into the in-memory world, feeds
// positions every tick and sends commands; the server pushes lifecycle
// events back so the host can update its UI.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"arenaswap.ai/internal/boot"
	"arenaswap.ai/internal/host"
	"arenaswap.ai/internal/host/memhost"
	"arenaswap.ai/internal/protocol"
	"arenaswap.ai/internal/sim/body"
	"arenaswap.ai/internal/sim/lifecycle"
	"arenaswap.ai/internal/sim/model"
	"arenaswap.ai/internal/sim/zone"
)

// Coordinator is the part of the lifecycle core the bridge drives.
type Coordinator interface {
	Enter(ctx context.Context, id model.PlayerID, zoneName string) error
	Exit(ctx context.Context, id model.PlayerID) error
	SetOverride(id model.PlayerID, enabled bool) bool
	OnPlayerConnected(ctx context.Context, id model.PlayerID)
	Subscribe(fn func(lifecycle.Event))
}

type Runtime interface {
	State() boot.RuntimeState
}

type Bodies interface {
	Get(id model.PlayerID) (body.Pair, bool)
}

type Config struct {
	CommandRatePerSec float64
	CommandBurst      int
	OutQueue          int
}

type Server struct {
	world   *memhost.World
	coord   Coordinator
	bodies  Bodies
	runtime Runtime
	zones   *zone.Detector
	log     *zap.Logger
	cfg     Config

	upgrader websocket.Upgrader
	feed     *Feed

	mu       sync.Mutex
	sessions map[*session]struct{}

	commandsTotal    atomic.Uint64
	rateLimitedTotal atomic.Uint64
	eventsDropped    atomic.Uint64
}

type session struct {
	id     string
	hostID string
	out    chan []byte
}

func NewServer(w *memhost.World, coord Coordinator, bodies Bodies, rt Runtime, zones *zone.Detector, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CommandRatePerSec <= 0 {
		cfg.CommandRatePerSec = 5
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = 10
	}
	if cfg.OutQueue <= 0 {
		cfg.OutQueue = 64
	}
	s := &Server{
		world:   w,
		coord:   coord,
		bodies:  bodies,
		runtime: rt,
		zones:   zones,
		log:     logger.Named("ws"),
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // host bridges are not browsers
		},
		feed:     NewFeed(),
		sessions: map[*session]struct{}{},
	}
	coord.Subscribe(s.broadcastEvent)
	return s
}

// DrainPositions hands the positions received since the last call to the
// tick loop.
func (s *Server) DrainPositions() []lifecycle.PositionReport {
	return s.feed.Drain()
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()
		s.log.Info("host connected", zap.String("session", sess.id), zap.String("host_id", sess.hostID))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		lim := rate.NewLimiter(rate.Limit(s.cfg.CommandRatePerSec), s.cfg.CommandBurst)

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			s.handleMessage(ctx, sess, lim, msg)
		}

		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.log.Info("host disconnected", zap.String("session", sess.id))
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}
	if hello.HostID == "" {
		hello.HostID = "host"
	}

	sess := &session{
		id:     uuid.NewString(),
		hostID: hello.HostID,
		out:    make(chan []byte, s.cfg.OutQueue),
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		RuntimeState:    s.runtime.State().String(),
		Zones:           zoneRefs(s.zones),
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	return sess
}

func zoneRefs(d *zone.Detector) []protocol.ZoneRef {
	defs := d.Table().Definitions()
	out := make([]protocol.ZoneRef, 0, len(defs))
	for _, z := range defs {
		out = append(out, protocol.ZoneRef{
			Name:         z.Name,
			Center:       z.Center,
			CenterRadius: z.CenterRadius,
			ZoneRadius:   z.ZoneRadius,
			BuildID:      z.BuildID,
		})
	}
	return out
}

func (s *Server) handleMessage(ctx context.Context, sess *session, lim *rate.Limiter, msg []byte) {
	cmd, err := protocol.DecodeCommand(msg)
	if err != nil {
		base, _ := protocol.DecodeBase(msg)
		s.reply(sess, protocol.NewError(base.Ref, ErrorCode(err), err.Error()))
		return
	}
	s.commandsTotal.Add(1)

	if _, isFeed := cmd.(protocol.PositionsCmd); !isFeed && !lim.Allow() {
		s.rateLimitedTotal.Add(1)
		s.reply(sess, protocol.NewError(cmd.RefID(), protocol.ErrRateLimit, "too many commands"))
		return
	}

	switch c := cmd.(type) {
	case protocol.JoinCmd:
		s.world.SpawnNormal(c.PlayerID, bodyComponents(c.Body)...)
		s.coord.OnPlayerConnected(ctx, c.PlayerID)
		s.ack(sess, c.Ref)
	case protocol.LeaveCmd:
		s.world.Disconnect(c.PlayerID)
		s.ack(sess, c.Ref)
	case protocol.PositionsCmd:
		for _, p := range c.Positions {
			s.trackPosition(p.PlayerID, p.Pos)
		}
		if c.Ref != "" {
			s.ack(sess, c.Ref)
		}
	case protocol.EnterCmd:
		s.result(sess, c.Ref, s.coord.Enter(ctx, c.PlayerID, c.Zone))
	case protocol.ExitCmd:
		s.result(sess, c.Ref, s.coord.Exit(ctx, c.PlayerID))
	case protocol.OverrideCmd:
		if !s.coord.SetOverride(c.PlayerID, c.Enabled) {
			s.reply(sess, protocol.NewError(c.Ref, protocol.ErrOverrideNotPersisted, "account override not saved"))
			return
		}
		s.ack(sess, c.Ref)
	default:
		s.reply(sess, protocol.NewError(cmd.RefID(), protocol.ErrBadRequest, "unsupported command"))
	}
}

// trackPosition mirrors the host's position onto whichever body the
// player controls and queues it for the next tick. Frozen bodies are not
// moved; a report racing a swap is picked up by the next frame.
func (s *Server) trackPosition(id model.PlayerID, pos model.Vec3) {
	h, ok := s.world.NormalBody(id)
	if p, has := s.bodies.Get(id); has && p.ActiveSide == body.SideAlternate {
		h, ok = p.AlternateBody, true
	}
	if ok && !s.world.Move(h, pos) {
		s.log.Debug("position not mirrored", zap.Stringer("player", id), zap.Uint64("handle", uint64(h)))
	}
	s.feed.Push(id, pos)
}

func bodyComponents(b protocol.BodyState) []host.Component {
	return []host.Component{
		host.Position(b.Pos),
		host.DisplayName(b.Name),
		host.Level(b.Level),
		host.Health(b.Health),
		host.Blood{Quality: b.Blood.Quality, TypeID: b.Blood.TypeID},
		host.Inventory(b.Inventory),
		host.NewAbilities(b.Abilities...),
		host.UIVisibility(b.UI),
	}
}

func (s *Server) result(sess *session, ref string, err error) {
	if err != nil {
		s.reply(sess, protocol.NewError(ref, ErrorCode(err), err.Error()))
		return
	}
	s.ack(sess, ref)
}

func (s *Server) ack(sess *session, ref string) {
	s.reply(sess, protocol.NewAck(ref))
}

func (s *Server) reply(sess *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case sess.out <- b:
	default:
		s.log.Warn("session queue full, reply dropped", zap.String("session", sess.id))
	}
}

func (s *Server) broadcastEvent(ev lifecycle.Event) {
	b, err := json.Marshal(protocol.EventMsg{
		Type:         protocol.TypeEvent,
		Kind:         ev.Kind.String(),
		PlayerID:     ev.Player,
		Zone:         ev.Zone,
		TransitionID: ev.TransitionID,
		At:           ev.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		select {
		case sess.out <- b:
		default:
			s.eventsDropped.Add(1)
		}
	}
}

type Stats struct {
	Sessions         int
	CommandsTotal    uint64
	RateLimitedTotal uint64
	EventsDropped    uint64
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	return Stats{
		Sessions:         n,
		CommandsTotal:    s.commandsTotal.Load(),
		RateLimitedTotal: s.rateLimitedTotal.Load(),
		EventsDropped:    s.eventsDropped.Load(),
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	}
	return nil
}
