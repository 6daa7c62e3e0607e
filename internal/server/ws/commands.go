package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// command is the inbound envelope. Ref is echoed back on errors so a client
// can correlate a failure with the request that caused it.
type command struct {
	Type domain.CommandType `json:"type"`
	Data json.RawMessage    `json:"data,omitempty"`
	Ref  string             `json:"ref,omitempty"`
}

// envelope is the outbound frame.
type envelope struct {
	Type    string          `json:"type"`
	MatchID string          `json:"match_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	At      time.Time       `json:"at"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

// stakeAuth is the wallet signature carried by commands that lock funds.
type stakeAuth struct {
	Timestamp int64  `json:"ts,omitempty"`
	Signature string `json:"sig,omitempty"`
}

type createGameData struct {
	Currency    domain.Currency   `json:"currency"`
	Stake       decimal.Decimal   `json:"stake"`
	RoundsToWin int               `json:"rounds_to_win,omitempty"`
	Visibility  domain.Visibility `json:"visibility,omitempty"`
	stakeAuth
}

type joinGameData struct {
	MatchID string `json:"match_id"`
	stakeAuth
}

type findMatchData struct {
	Currency domain.Currency `json:"currency"`
	Stake    decimal.Decimal `json:"stake"`
	stakeAuth
}

type submitMoveData struct {
	MatchID    string `json:"match_id"`
	Round      int    `json:"round"`
	Commitment string `json:"commitment"`
}

// revealMoveData carries the nonce as a decimal string; 64-bit values do not
// survive a round trip through JavaScript numbers.
type revealMoveData struct {
	MatchID string `json:"match_id"`
	Round   int    `json:"round"`
	Move    string `json:"move"`
	Nonce   uint64 `json:"nonce,string"`
}

type matchRef struct {
	MatchID     string `json:"match_id"`
	ResumeToken string `json:"resume_token,omitempty"`
}

func errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("ws: %s: %w", fmt.Sprintf(format, args...), sentinel)
}

// handle executes one command and reports any failure to the sender.
func (c *client) handle(cmd command) {
	if err := c.allow(); err != nil {
		c.sendError(cmd.Type, cmd.Ref, err)
		return
	}

	var err error
	switch cmd.Type {
	case domain.CmdCreateGame:
		err = c.createGame(cmd.Data)
	case domain.CmdJoinGame:
		err = c.joinGame(cmd.Data)
	case domain.CmdFindRandomMatch:
		err = c.findRandomMatch(cmd.Data)
	case domain.CmdCancelMatchRequest:
		_, err = c.gw.deps.Matchmaker.Cancel(c.ctx, c.participant.ID)
	case domain.CmdSubmitMove:
		err = c.submitMove(cmd.Data)
	case domain.CmdRevealMove:
		err = c.revealMove(cmd.Data)
	case domain.CmdLeaveGame:
		err = c.leaveGame(cmd.Data)
	case domain.CmdResume:
		err = c.resume(cmd.Data)
	default:
		err = errorf(domain.ErrValidation, "unknown command %q", cmd.Type)
	}
	if err == nil {
		return
	}

	level := slog.LevelInfo
	if domain.ErrorCode(err) == "internal" || errors.Is(err, domain.ErrFatal) {
		level = slog.LevelError
	}
	c.gw.logger.Log(c.ctx, level, "command failed",
		slog.String("participant", c.participant.ID),
		slog.String("command", string(cmd.Type)),
		slog.String("error", err.Error()),
	)
	c.sendError(cmd.Type, cmd.Ref, err)
}

// allow applies the per-participant command budget. Limiter errors fail open.
func (c *client) allow() error {
	limiter := c.gw.deps.Limiter
	if limiter == nil || c.gw.cfg.CommandLimit <= 0 {
		return nil
	}
	ok, err := limiter.Allow(c.ctx, "ws:"+c.participant.ID, c.gw.cfg.CommandLimit, c.gw.cfg.CommandWindow)
	if err != nil {
		c.gw.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return errorf(domain.ErrRateLimited, "too many commands")
	}
	return nil
}

// verifyStake checks the stake signature on fund-moving commands. Points
// matches move no real funds and need no signature.
func (c *client) verifyStake(currency domain.Currency, stake decimal.Decimal, auth stakeAuth) error {
	v := c.gw.deps.Verifier
	if v == nil || currency != domain.CurrencySOL {
		return nil
	}
	return v.VerifyStake(c.participant.ID, currency, stake, auth.Timestamp, auth.Signature)
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return errorf(domain.ErrValidation, "missing command data")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errorf(domain.ErrValidation, "bad command data: %v", err)
	}
	return nil
}

func (c *client) createGame(raw json.RawMessage) error {
	var d createGameData
	if err := decode(raw, &d); err != nil {
		return err
	}
	if err := c.verifyStake(d.Currency, d.Stake, d.stakeAuth); err != nil {
		return err
	}
	snap, err := c.gw.deps.Sessions.Create(c.ctx, c.participant, d.Currency, d.Stake, d.RoundsToWin, d.Visibility)
	if err != nil {
		return err
	}
	c.sendResumeToken(snap.ID)
	return nil
}

func (c *client) joinGame(raw json.RawMessage) error {
	var d joinGameData
	if err := decode(raw, &d); err != nil {
		return err
	}
	if c.gw.deps.Verifier != nil {
		target, err := c.gw.deps.Sessions.Get(d.MatchID)
		if err != nil {
			return err
		}
		if err := c.verifyStake(target.Currency, target.Stake, d.stakeAuth); err != nil {
			return err
		}
	}
	snap, err := c.gw.deps.Sessions.Join(c.ctx, d.MatchID, c.participant)
	if err != nil {
		return err
	}
	c.sendResumeToken(snap.ID)
	return nil
}

func (c *client) findRandomMatch(raw json.RawMessage) error {
	var d findMatchData
	if err := decode(raw, &d); err != nil {
		return err
	}
	if err := c.verifyStake(d.Currency, d.Stake, d.stakeAuth); err != nil {
		return err
	}
	ticket, err := c.gw.deps.Matchmaker.RequestMatch(c.ctx, c.participant, d.Currency, d.Stake)
	if err != nil {
		return err
	}
	c.sendResumeToken(ticket.MatchID)
	return nil
}

func (c *client) submitMove(raw json.RawMessage) error {
	var d submitMoveData
	if err := decode(raw, &d); err != nil {
		return err
	}
	commitment, err := domain.ParseCommitment(d.Commitment)
	if err != nil {
		return err
	}
	_, err = c.gw.deps.Sessions.SubmitCommitment(c.ctx, d.MatchID, c.participant.ID, d.Round, commitment)
	return err
}

func (c *client) revealMove(raw json.RawMessage) error {
	var d revealMoveData
	if err := decode(raw, &d); err != nil {
		return err
	}
	move, err := domain.ParseMove(d.Move)
	if err != nil {
		return err
	}
	_, err = c.gw.deps.Sessions.Reveal(c.ctx, d.MatchID, c.participant.ID, d.Round, move, d.Nonce)
	return err
}

func (c *client) leaveGame(raw json.RawMessage) error {
	var d matchRef
	if len(raw) > 0 {
		if err := decode(raw, &d); err != nil {
			return err
		}
	}
	if d.MatchID == "" {
		id, ok := c.gw.deps.Sessions.ActiveMatch(c.participant.ID)
		if !ok {
			return errorf(domain.ErrNotFound, "no active match")
		}
		d.MatchID = id
	}
	_, err := c.gw.deps.Sessions.Quit(c.ctx, d.MatchID, c.participant.ID)
	return err
}

// resume restores the participant into a live match. Without a match id the
// participant's resume hint is used.
func (c *client) resume(raw json.RawMessage) error {
	var d matchRef
	if len(raw) > 0 {
		if err := decode(raw, &d); err != nil {
			return err
		}
	}
	if d.MatchID == "" {
		id, ok := c.gw.deps.Sessions.Hint(c.ctx, c.participant.ID)
		if !ok {
			return errorf(domain.ErrNotFound, "nothing to resume")
		}
		d.MatchID = id
	}
	if tokens := c.gw.deps.Tokens; tokens != nil {
		if err := tokens.Verify(d.ResumeToken, d.MatchID, c.participant.ID); err != nil {
			return err
		}
	}
	_, err := c.gw.deps.Sessions.Resume(c.ctx, d.MatchID, c.participant.ID)
	return err
}
