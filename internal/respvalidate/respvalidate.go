// Package respvalidate implements ResponseValidator: turning raw Fanout
// outcomes into instruction streams the orchestrator can trust, dropping
// anything malformed, mismatched, over-cap, or out of bounds along the way.
package respvalidate

import (
	"encoding/json"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"taosim-validator/internal/codec"
	"taosim-validator/pkg/types"
)

// decodeAgentResponse re-marshals the codec's generic decoded map into the
// AgentResponse struct, since codec.Decompress deliberately returns a map so
// callers decide their own target shape. The round trip uses the same inner
// encoding the response arrived in (MsgPack from MsgpackSwitchVersion on,
// JSON below it), so decimal fields decode from their own wire form.
func decodeAgentResponse(decoded map[string]any, version int) (types.AgentResponse, error) {
	var resp types.AgentResponse
	if version >= codec.MsgpackSwitchVersion {
		raw, err := msgpack.Marshal(decoded)
		if err != nil {
			return resp, err
		}
		if err := msgpack.Unmarshal(raw, &resp); err != nil {
			return resp, err
		}
		return resp, nil
	}
	raw, err := json.Marshal(decoded)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Params bounds validation.
type Params struct {
	CodecEngine           codec.Engine
	ProtocolVersion       int
	CapitalTurnoverCap    decimal.Decimal
	BookCount             int
	MaxInstructionsPerBook int
	DefaultSTP            string
}

// Stats tallies what was dropped, for the caller to fold into step metrics.
type Stats struct {
	TimeoutOrFailure int
	DecompressFailed int
	AgentIDMismatch  int
	CapGated         int
	BookOutOfBounds  int
	ResetAgentDropped int
	OverCapped       int
}

// VolumeLookup reports a uid's rolling total trade volume on a book, used to
// gate placement/close instructions once the capital turnover cap is hit.
type VolumeLookup func(uid uint32, bookID int) decimal.Decimal

// InitialWealthLookup reports a uid's initial wealth for a book, the
// capital-turnover-cap reference point.
type InitialWealthLookup func(uid uint32, bookID int) decimal.Decimal

// Validate converts one uid's raw Outcome into a trusted instruction slice.
// A nil return (with ok=false) means the whole response was dropped.
func Validate(outcome types.Outcome, p Params, volume VolumeLookup, initialWealth InitialWealthLookup, stats *Stats, logger *slog.Logger) ([]types.Instruction, bool) {
	if outcome.Kind != types.OutcomeSuccess {
		stats.TimeoutOrFailure++
		return nil, false
	}

	decoded, err := codec.Decompress(outcome.RawPayload, p.CodecEngine, p.ProtocolVersion)
	if err != nil {
		stats.DecompressFailed++
		logger.Debug("respvalidate: decompress failed", "uid", outcome.UID, "err", err)
		return nil, false
	}

	resp, err := decodeAgentResponse(decoded, p.ProtocolVersion)
	if err != nil {
		stats.DecompressFailed++
		logger.Debug("respvalidate: decode failed", "uid", outcome.UID, "err", err)
		return nil, false
	}

	if resp.AgentID != outcome.UID {
		stats.AgentIDMismatch++
		return nil, false
	}

	instructions := applyCapGate(resp.Instructions, outcome.UID, p, volume, initialWealth, stats)
	instructions = applyBookAndTypeFilter(instructions, p, stats)
	instructions = applyPerBookCap(instructions, p, stats)

	return instructions, true
}

// applyCapGate drops placement/close instructions on any book where the
// uid's rolling volume has hit the capital turnover cap; Cancel always
// passes through.
func applyCapGate(instructions []types.Instruction, uid uint32, p Params, volume VolumeLookup, initialWealth InitialWealthLookup, stats *Stats) []types.Instruction {
	if volume == nil || initialWealth == nil {
		return instructions
	}

	out := instructions[:0:0]
	for _, instr := range instructions {
		if instr.Type == types.CancelOrders {
			out = append(out, instr)
			continue
		}

		turnoverCap := p.CapitalTurnoverCap.Mul(initialWealth(uid, instr.BookID))
		if turnoverCap.Sign() > 0 && volume(uid, instr.BookID).GreaterThanOrEqual(turnoverCap) {
			stats.CapGated++
			continue
		}
		out = append(out, instr)
	}
	return out
}

// applyBookAndTypeFilter drops instructions referencing an out-of-range
// book, normalizes the STP default, and drops validator-only ResetAgent
// instructions an agent has no business sending.
func applyBookAndTypeFilter(instructions []types.Instruction, p Params, stats *Stats) []types.Instruction {
	out := instructions[:0:0]
	for _, instr := range instructions {
		if instr.BookID < 0 || instr.BookID >= p.BookCount {
			stats.BookOutOfBounds++
			continue
		}
		if instr.Type == types.ResetAgent {
			stats.ResetAgentDropped++
			continue
		}
		if instr.STP == "" {
			instr.STP = p.DefaultSTP
		}
		out = append(out, instr)
	}
	return out
}

// applyPerBookCap keeps at most MaxInstructionsPerBook instructions per
// book, in original order, dropping the remainder.
func applyPerBookCap(instructions []types.Instruction, p Params, stats *Stats) []types.Instruction {
	if p.MaxInstructionsPerBook <= 0 {
		return instructions
	}

	counts := make(map[int]int)
	out := instructions[:0:0]
	for _, instr := range instructions {
		if counts[instr.BookID] >= p.MaxInstructionsPerBook {
			stats.OverCapped++
			continue
		}
		counts[instr.BookID]++
		out = append(out, instr)
	}
	return out
}
