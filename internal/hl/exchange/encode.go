package exchange

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// packer writes msgpack maps key by key. Field order is part of the signed
// payload, so actions are never encoded through struct reflection.
type packer struct {
	buf bytes.Buffer
	enc *msgpack.Encoder
	err error
}

func newPacker() *packer {
	p := &packer{}
	p.enc = msgpack.NewEncoder(&p.buf)
	return p
}

func (p *packer) do(fn func() error) {
	if p.err == nil {
		p.err = fn()
	}
}

func (p *packer) mapLen(n int) { p.do(func() error { return p.enc.EncodeMapLen(n) }) }

func (p *packer) arrayLen(n int) { p.do(func() error { return p.enc.EncodeArrayLen(n) }) }

func (p *packer) str(s string) { p.do(func() error { return p.enc.EncodeString(s) }) }

func (p *packer) i64(v int64) { p.do(func() error { return p.enc.EncodeInt(v) }) }

func (p *packer) flag(v bool) { p.do(func() error { return p.enc.EncodeBool(v) }) }

func (p *packer) result() ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.buf.Bytes(), nil
}

func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return nil, errors.New("action orders are required")
	}
	if action.Grouping == "" {
		action.Grouping = groupingNone
	}
	p := newPacker()
	p.mapLen(3)
	p.str("type")
	p.str(action.Type)
	p.str("orders")
	p.arrayLen(len(action.Orders))
	for _, order := range action.Orders {
		if order.OrderType.Limit == nil {
			return nil, errors.New("limit order type required")
		}
		fields := 6
		if order.Cloid != "" {
			fields++
		}
		p.mapLen(fields)
		p.str("a")
		p.i64(int64(order.Asset))
		p.str("b")
		p.flag(order.IsBuy)
		p.str("p")
		p.str(order.Price)
		p.str("s")
		p.str(order.Size)
		p.str("r")
		p.flag(order.ReduceOnly)
		p.str("t")
		p.mapLen(1)
		p.str("limit")
		p.mapLen(1)
		p.str("tif")
		p.str(string(order.OrderType.Limit.Tif))
		if order.Cloid != "" {
			p.str("c")
			p.str(order.Cloid)
		}
	}
	p.str("grouping")
	p.str(action.Grouping)
	return p.result()
}

func EncodeCancelAction(action CancelAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	p := newPacker()
	p.mapLen(2)
	p.str("type")
	p.str(action.Type)
	p.str("cancels")
	p.arrayLen(len(action.Cancels))
	for _, c := range action.Cancels {
		p.mapLen(2)
		p.str("a")
		p.i64(int64(c.Asset))
		p.str("o")
		p.i64(c.OrderID)
	}
	return p.result()
}
