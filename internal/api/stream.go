package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/MJE43/rps-arena-replay/internal/arena"
	"github.com/MJE43/rps-arena-replay/internal/engine"
	"github.com/MJE43/rps-arena-replay/internal/sim"
)

const (
	streamProtocolVersion = 1
	defaultFrameEvery     = 6 // ten frames per simulated second at 60 ticks/s
	streamWriteWait       = 10 * time.Second
)

// streamMessage is one websocket text message. Type is "frame" for progress
// and the final state, or "error" when the run cannot start or fails.
type streamMessage struct {
	Ver   int          `json:"ver"`
	Type  string       `json:"type"`
	Seed  string       `json:"seed,omitempty"`
	Frame *sim.Frame   `json:"frame,omitempty"`
	Error *EngineError `json:"error,omitempty"`
}

type streamParams struct {
	seed     string
	seedHash string
	cfg      arena.ArenaConfig
	opts     sim.Options
	every    int
	realtime bool
}

// handleStream replays a seed over a websocket, one message per frame.
// Parameters are validated before the upgrade so bad requests get an
// ordinary JSON error.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	p, objects, runner, err := s.prepareStream(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.logger.Warn().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The client never sends anything meaningful; reading surfaces its close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pace := time.Duration(float64(p.every) / p.opts.TickRate * float64(time.Second))
	frames := 0
	out, err := runner.Frames(ctx, objects, p.cfg, p.every, func(f sim.Frame) error {
		if p.realtime && frames > 0 && !f.Done {
			select {
			case <-time.After(pace):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		frames++
		return writeStream(conn, streamMessage{Ver: streamProtocolVersion, Type: "frame", Seed: p.seed, Frame: &f})
	})

	logEvent := s.logger.Info().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("seed_hash", p.seedHash).
		Int("frames", frames)

	if err != nil {
		if !errors.Is(err, context.Canceled) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			_, b := classify(err)
			e := b.WithRequestID(middleware.GetReqID(r.Context())).Build()
			_ = writeStream(conn, streamMessage{Ver: streamProtocolVersion, Type: "error", Error: &e})
		}
		logEvent.Err(err).Msg("stream ended early")
		return
	}

	logEvent.Int("ticks", out.Ticks).Str("winner", winnerName(out.Winner)).Msg("stream completed")
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "simulation complete"),
		time.Now().Add(streamWriteWait))
}

func (s *Server) prepareStream(r *http.Request) (streamParams, []arena.GameObject, *sim.Runner, error) {
	q := r.URL.Query()
	seed, err := engine.ParseSeed(q.Get("seed"))
	if err != nil {
		return streamParams{}, nil, nil, err
	}

	cfg := s.opts.Arena
	for key, dst := range map[string]*float64{"width": &cfg.Width, "height": &cfg.Height, "radius": &cfg.ObjectRadius} {
		if raw := q.Get(key); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return streamParams{}, nil, nil, invalidField(key, "must be a number")
			}
			*dst = v
		}
	}
	if raw := q.Get("per_type"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return streamParams{}, nil, nil, invalidField("per_type", "must be an integer")
		}
		cfg.ObjectsPerType = v
	}
	if cfg, err = s.resolveArena(&cfg); err != nil {
		return streamParams{}, nil, nil, err
	}

	simOpts := sim.Options{MaxTicks: qInt(r, "max_ticks", 0)}
	if raw := q.Get("tick_rate"); raw != "" {
		if simOpts.TickRate, err = strconv.ParseFloat(raw, 64); err != nil {
			return streamParams{}, nil, nil, invalidField("tick_rate", "must be a number")
		}
	}
	opts, err := s.resolveSim(&simOpts)
	if err != nil {
		return streamParams{}, nil, nil, err
	}
	runner, err := sim.NewRunner(opts)
	if err != nil {
		return streamParams{}, nil, nil, err
	}

	objects, err := arena.GenerateFromSeed(seed, cfg)
	if err != nil {
		return streamParams{}, nil, nil, err
	}

	realtime, _ := strconv.ParseBool(q.Get("realtime"))
	return streamParams{
		seed:     seed.String(),
		seedHash: engine.HashSeed(seed),
		cfg:      cfg,
		opts:     opts,
		every:    clampInt(qInt(r, "every", defaultFrameEvery), 1, opts.MaxTicks),
		realtime: realtime,
	}, objects, runner, nil
}

func writeStream(conn *websocket.Conn, msg streamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
