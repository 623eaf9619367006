package server

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"

	"realmsync/protocol"
	"realmsync/relay"
	"realmsync/sim"
	"realmsync/state"
	"realmsync/world"
)

func (r *Room) registerHandlers() {
	r.dispatcher.MustRegister(Handler{
		Type:   protocol.TypeMove,
		Schema: protocol.MoveSchema(r.opts.MaxSpeed),
		Handle: Typed(r.handleMove),
	})
	r.dispatcher.MustRegister(Handler{
		Type:   protocol.TypeChatSend,
		Schema: protocol.ChatSendSchema,
		Handle: Typed(r.handleChat),
	})
	r.dispatcher.MustRegister(Handler{
		Type:   protocol.TypePing,
		Schema: protocol.PingSchema,
		Handle: Typed(r.handlePing),
	})
}

// handleMove stores the new intent and applies one tick's worth of it right
// away, so the ack already carries the moved position.
func (r *Room) handleMove(_ context.Context, req *Request, p protocol.MovePayload) error {
	id, ok := req.Conn.Identity()
	if !ok {
		return state.ErrUnauthorized
	}

	speed := r.opts.DefaultSpeed
	if p.Speed != nil {
		speed = *p.Speed
	}
	speed = math.Max(0, math.Min(speed, r.opts.MaxSpeed))

	var intent world.Vec
	if dir, mag := (world.Vec{X: p.Vector.X, Y: p.Vector.Y}).Normalize(); mag > sim.MovementEpsilon {
		intent = dir.Scale(speed)
	}
	seconds := r.opts.Interval.Seconds()

	var moved state.Player
	err := r.withState(func(s *state.Store) error {
		cur, found := s.Get(id.UserID)
		if !found {
			var err error
			if cur, err = s.EnsureForConnection(req.Conn, state.EnsureOptions{}); err != nil {
				return err
			}
		} else if cur.ConnID != req.Conn.ID() {
			return protocol.NewClientError(protocol.CodeUnauthorized, "connection was replaced by a newer session")
		}

		seq := cur.Sequence + 1
		if p.Sequence != nil && uint64(*p.Sequence) > seq {
			seq = uint64(*p.Sequence)
		}

		step := intent.Scale(seconds)
		res := world.Resolve(r.opts.Grid, cur.Position, step.X, step.Y)
		vel := res.Velocity.Scale(1 / seconds)

		var err error
		moved, err = s.Update(id.UserID, state.Delta{
			Position: &res.Position,
			Velocity: &vel,
			Intent:   &intent,
			Sequence: &seq,
		})
		return err
	})
	if err != nil {
		return err
	}

	view := moved.View()
	if err := r.dispatcher.Send(req.Conn, protocol.TypeMoveAck, playerPayload{Player: view, RequestID: req.RequestID}); err != nil {
		return err
	}
	r.broadcast(protocol.TypePlayerMoved, playerPayload{Player: view}, func(c *Conn) bool {
		return c != req.Conn
	})
	return nil
}

func (r *Room) handleChat(_ context.Context, req *Request, p protocol.ChatSendPayload) error {
	id, ok := req.Conn.Identity()
	if !ok {
		return state.ErrUnauthorized
	}

	msg := protocol.ChatMessage{
		ID:      uuid.New().String(),
		Message: strings.TrimSpace(p.Message),
		SentAt:  req.ReceivedAt.UTC().Format(protocol.TimeLayout),
		User:    protocol.ChatUser{ID: id.UserID, Username: id.Username},
	}
	if _, err := r.dispatcher.Broadcast(protocol.TypeChatMessage, msg, nil); err != nil {
		return err
	}
	r.publish(relay.KindChat, msg)
	return nil
}

func (r *Room) handlePing(_ context.Context, req *Request, p protocol.PingPayload) error {
	now := req.ReceivedAt.UnixMilli()
	ts := float64(now)
	if p.Timestamp != nil {
		ts = *p.Timestamp
	}
	return r.dispatcher.Send(req.Conn, protocol.TypePong, protocol.PongPayload{Timestamp: ts, ReceivedAt: now})
}
