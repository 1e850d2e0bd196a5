// Package control interprets the control plane shared by every transport:
// small JSON objects that query the device or arm a firmware transfer, and
// plain text console commands.
package control

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/buger/jsonparser"
)

// Recognized object keys.
const (
	KeyOTA     = "ota"
	KeyOTASize = "ota size"
	KeyGroups  = "groups"

	tokenStart = "start"
)

// Errors
var (
	ErrMalformed = errors.New("control: malformed object")
	ErrOverflow  = errors.New("control: object too long")
)

// Kind classifies a parsed control object.
type Kind uint8

const (
	// Query asks for a status snapshot and changes nothing.
	Query Kind = iota
	// ParamUpdate carried a transfer key without a complete start request.
	ParamUpdate
	// StartTransfer carried "start" and a valid size in the same object.
	StartTransfer
)

func (k Kind) String() string {
	switch k {
	case Query:
		return "query"
	case ParamUpdate:
		return "param-update"
	case StartTransfer:
		return "start-transfer"
	default:
		return "unknown"
	}
}

// Result of parsing one control object. Start and Size reflect only the
// object just parsed; nothing carries over between objects.
type Result struct {
	Kind     Kind
	Start    bool
	Size     int64
	SizeSeen bool
}

// Parser turns control objects into Results.
type Parser struct {
	// MaxSize is the exclusive ceiling for a valid "ota size".
	MaxSize int64
	Logger  *slog.Logger
}

// Parse classifies obj. Unknown keys and values of the wrong type are
// logged and ignored; only an object that cannot be walked is an error.
func (p *Parser) Parse(obj []byte) (Result, error) {
	log := p.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	var res Result
	err := jsonparser.ObjectEach(obj, func(key, value []byte, typ jsonparser.ValueType, _ int) error {
		switch string(key) {
		case KeyOTA:
			if typ == jsonparser.String && string(value) == tokenStart {
				res.Start = true
			} else {
				log.Warn("control:ota-value", slog.String("value", string(value)))
			}
		case KeyOTASize:
			n, err := parseSize(value, typ)
			if err != nil {
				log.Warn("control:size-value", slog.String("value", string(value)))
				return nil
			}
			res.Size = n
			res.SizeSeen = true
		case KeyGroups:
			if typ != jsonparser.Array {
				log.Warn("control:groups-value", slog.String("type", typ.String()))
				return nil
			}
			count := 0
			jsonparser.ArrayEach(value, func(elem []byte, _ jsonparser.ValueType, _ int, _ error) {
				log.Info("control:group", slog.Int("index", count), slog.String("value", string(elem)))
				count++
			})
		default:
			log.Info("control:unknown-key", slog.String("key", string(key)))
		}
		return nil
	})
	if err != nil {
		return Result{}, ErrMalformed
	}

	switch {
	case res.Start && res.SizeSeen && res.Size > 0 && res.Size < p.maxSize():
		res.Kind = StartTransfer
	case res.Start || res.SizeSeen:
		res.Kind = ParamUpdate
	default:
		res.Kind = Query
	}
	log.Info("control:parsed",
		slog.String("kind", res.Kind.String()),
		slog.Bool("start", res.Start),
		slog.Int64("size", res.Size),
	)
	return res, nil
}

// ValidSize reports whether size is inside the open interval (0, MaxSize).
func (p *Parser) ValidSize(size int64) bool {
	return size > 0 && size < p.maxSize()
}

func (p *Parser) maxSize() int64 {
	if p.MaxSize <= 0 {
		return 0x130000
	}
	return p.MaxSize
}

// parseSize accepts a JSON number, or a numeric string for senders that
// quote every value.
func parseSize(value []byte, typ jsonparser.ValueType) (int64, error) {
	switch typ {
	case jsonparser.Number:
		return jsonparser.ParseInt(value)
	case jsonparser.String:
		return strconv.ParseInt(string(value), 10, 64)
	default:
		return 0, jsonparser.MalformedValueError
	}
}
