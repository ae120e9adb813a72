package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/xeipuuv/gojsonschema"

	"arena-feed/pkg/feed"
)

var (
	// ErrMalformed marks payloads that cannot be decoded into an Event.
	ErrMalformed = errors.New("events: malformed payload")
	// ErrUnsupportedKind marks well-formed payloads of a kind the feed ignores.
	ErrUnsupportedKind = errors.New("events: unsupported kind")
)

const (
	typeTradeUpdate     = "trade_update"
	typePositionUpdate  = "position_update"
	typeModelChatUpdate = "model_chat_update"
)

const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "trading_mode": {"type": ["string", "null"]},
    "environment": {"type": ["string", "null"]},
    "wallet_address": {"type": ["string", "null"]},
    "account_id": {"type": ["integer", "null"]},
    "trade": {
      "type": ["object", "null"],
      "required": ["trade_id"],
      "properties": {"trade_id": {"type": "integer"}}
    },
    "decision": {
      "type": ["object", "null"],
      "required": ["id"],
      "properties": {"id": {"type": "integer"}}
    },
    "positions": {
      "type": ["array", "null"],
      "items": {"type": "object"}
    }
  }
}`

type wirePosition struct {
	feed.Position
	AccountID *feed.AccountID `json:"account_id,omitempty"`
}

type wireEnvelope struct {
	Type          string               `json:"type"`
	TradingMode   string               `json:"trading_mode,omitempty"`
	Environment   string               `json:"environment,omitempty"`
	WalletAddress *string              `json:"wallet_address,omitempty"`
	AccountID     *feed.AccountID      `json:"account_id,omitempty"`
	Trade         *feed.TradeRecord    `json:"trade,omitempty"`
	Decision      *feed.DecisionRecord `json:"decision,omitempty"`
	Positions     []wirePosition       `json:"positions,omitempty"`
}

// DecoderOptions toggles envelope validation.
type DecoderOptions struct {
	ValidateSchema bool
}

// Decoder turns raw push frames into tagged events.
type Decoder struct {
	schema *gojsonschema.Schema
}

// NewDecoder compiles the envelope schema when validation is enabled.
func NewDecoder(opts DecoderOptions) (*Decoder, error) {
	d := &Decoder{}
	if !opts.ValidateSchema {
		return d, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("events: compile envelope schema: %w", err)
	}
	d.schema = schema
	return d, nil
}

// Decode parses a frame. Text frames are JSON; binary frames are msgpack.
func (d *Decoder) Decode(frame Frame) (Event, error) {
	raw := frame.Data
	if frame.Binary {
		converted, err := msgpackToJSON(raw)
		if err != nil {
			return Event{}, err
		}
		raw = converted
	}
	if err := d.validate(raw); err != nil {
		return Event{}, err
	}
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.toEvent()
}

func (d *Decoder) validate(raw []byte) error {
	if d == nil || d.schema == nil {
		return nil
	}
	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if result.Valid() {
		return nil
	}
	if len(result.Errors()) == 0 {
		return fmt.Errorf("%w: schema validation failed", ErrMalformed)
	}
	return fmt.Errorf("%w: %s", ErrMalformed, result.Errors()[0])
}

func msgpackToJSON(data []byte) ([]byte, error) {
	var payload any
	if err := msgpack.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: msgpack: %v", ErrMalformed, err)
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: msgpack transcode: %v", ErrMalformed, err)
	}
	return out, nil
}

func (w wireEnvelope) toEvent() (Event, error) {
	ev := Event{}
	switch strings.TrimSpace(w.Type) {
	case typeTradeUpdate:
		if w.Trade == nil {
			return Event{}, fmt.Errorf("%w: %s without trade", ErrMalformed, w.Type)
		}
		ev.Kind = KindTrade
		ev.Trade = w.Trade
		ev.Environment = w.Trade.Environment
		ev.AccountID = nonZeroAccount(w.Trade.AccountID)
		ev.Wallet = deref(w.Trade.WalletAddress)
	case typeModelChatUpdate:
		if w.Decision == nil {
			return Event{}, fmt.Errorf("%w: %s without decision", ErrMalformed, w.Type)
		}
		ev.Kind = KindDecision
		ev.Decision = w.Decision
		ev.Environment = w.Decision.Environment
		ev.AccountID = nonZeroAccount(w.Decision.AccountID)
		ev.Wallet = deref(w.Decision.WalletAddress)
	case typePositionUpdate:
		if w.Positions == nil {
			return Event{}, fmt.Errorf("%w: %s without positions", ErrMalformed, w.Type)
		}
		ev.Kind = KindPositionBatch
		ev.Batch = buildBatch(w.Positions)
		ev.AccountID = ev.Batch.AccountID
	case "":
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Event{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, w.Type)
	}
	if ev.Environment == "" {
		ev.Environment = feed.Environment(firstNonEmpty(w.TradingMode, w.Environment))
	}
	if ev.AccountID == nil && w.AccountID != nil {
		acc := *w.AccountID
		ev.AccountID = &acc
	}
	if ev.Wallet == "" {
		ev.Wallet = deref(w.WalletAddress)
	}
	ev.Wallet = strings.TrimSpace(ev.Wallet)
	return ev, nil
}

// buildBatch attributes the batch to the first position's account and keeps
// only the positions belonging to it.
func buildBatch(positions []wirePosition) *PositionBatch {
	batch := &PositionBatch{}
	if len(positions) == 0 || positions[0].AccountID == nil {
		return batch
	}
	acc := *positions[0].AccountID
	batch.AccountID = &acc
	for _, p := range positions {
		if p.AccountID == nil || *p.AccountID != acc {
			continue
		}
		batch.Positions = append(batch.Positions, p.Position)
	}
	return batch
}

// nonZeroAccount treats a zero id as "not carried" since the nested records
// always decode one.
func nonZeroAccount(id feed.AccountID) *feed.AccountID {
	if id == 0 {
		return nil
	}
	return &id
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
