package order

import (
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// legacyTimeLayout matches zone-less ISO-8601 timestamps emitted by older
// producers. They are interpreted as UTC.
const legacyTimeLayout = "2006-01-02T15:04:05.999999999"

// eventNamespace seeds deterministic IDs for envelopes produced without an
// eventId, so redeliveries of the same payload map to the same ID.
var eventNamespace = uuid.MustParse("6f1d7c1e-4a53-4d0b-9a57-2f1b8c0e5d11")

// ErrUnknownEventType is returned when an envelope carries an unsupported
// eventType.
var ErrUnknownEventType = errors.New("unknown event type")

// EventKey returns the bus partitioning key for an order. All events of one
// order share a key, which gives per-order delivery ordering.
func EventKey(orderID int64) []byte {
	return strconv.AppendInt(nil, orderID, 10)
}

// MarshalEvent encodes evt as the JSON envelope used on the bus.
func MarshalEvent(evt Event) ([]byte, error) {
	var e jx.Encoder
	h := evt.EventHeader()

	e.ObjStart()
	e.FieldStart("eventId")
	e.Str(h.ID.String())
	e.FieldStart("eventType")
	e.Str(string(h.Type))
	e.FieldStart("orderId")
	e.Int64(h.OrderID)
	e.FieldStart("userId")
	e.Int64(h.UserID)
	e.FieldStart("version")
	e.Int64(h.Version)
	e.FieldStart("timestamp")
	e.Str(h.Timestamp.UTC().Format(time.RFC3339Nano))

	switch v := evt.(type) {
	case Created:
		e.FieldStart("totalAmount")
		e.Num(jx.Num(v.TotalAmount.String()))
		e.FieldStart("items")
		e.ArrStart()
		for _, item := range v.Items {
			encodeItem(&e, item)
		}
		e.ArrEnd()
		e.FieldStart("shippingAddress")
		e.Str(v.ShippingAddress)
		e.FieldStart("notes")
		e.Str(v.Notes)
	case StatusUpdated:
		e.FieldStart("oldStatus")
		e.Str(string(v.OldStatus))
		e.FieldStart("newStatus")
		e.Str(string(v.NewStatus))
	case Deleted:
	default:
		return nil, errors.Wrapf(ErrUnknownEventType, "encode %T", evt)
	}
	e.ObjEnd()

	return e.Bytes(), nil
}

func encodeItem(e *jx.Encoder, item OrderItem) {
	e.ObjStart()
	e.FieldStart("productId")
	e.Int64(item.ProductID)
	e.FieldStart("productName")
	e.Str(item.ProductName)
	e.FieldStart("quantity")
	e.Int(item.Quantity)
	e.FieldStart("unitPrice")
	e.Num(jx.Num(item.UnitPrice.String()))
	e.FieldStart("totalPrice")
	e.Num(jx.Num(item.TotalPrice().String()))
	e.ObjEnd()
}

// envelope is the flattened wire form; fields may arrive in any order so the
// variant is only assembled after the whole object is read.
type envelope struct {
	id              uuid.UUID
	typ             EventType
	orderID         int64
	userID          int64
	version         int64
	timestamp       time.Time
	totalAmount     decimal.Decimal
	items           []OrderItem
	shippingAddress string
	notes           string
	oldStatus       string
	newStatus       string
}

// UnmarshalEvent decodes a JSON envelope into a Created, StatusUpdated or
// Deleted event.
func UnmarshalEvent(data []byte) (Event, error) {
	var env envelope
	d := jx.DecodeBytes(data)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "eventId":
			var s string
			if s, err = decodeOptStr(d); err == nil && s != "" {
				env.id, err = uuid.Parse(s)
			}
		case "eventType":
			var s string
			s, err = d.Str()
			env.typ = EventType(s)
		case "orderId":
			env.orderID, err = d.Int64()
		case "userId":
			env.userID, err = d.Int64()
		case "version":
			env.version, err = d.Int64()
		case "timestamp":
			env.timestamp, err = decodeTime(d)
		case "totalAmount":
			env.totalAmount, err = decodeDecimal(d)
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				item, err := decodeItem(d)
				if err != nil {
					return err
				}
				env.items = append(env.items, item)
				return nil
			})
		case "shippingAddress":
			env.shippingAddress, err = decodeOptStr(d)
		case "notes":
			env.notes, err = decodeOptStr(d)
		case "oldStatus":
			env.oldStatus, err = decodeOptStr(d)
		case "newStatus":
			env.newStatus, err = decodeOptStr(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode event envelope")
	}

	if env.orderID == 0 {
		return nil, errors.New("event envelope has no orderId")
	}
	if env.id == uuid.Nil {
		env.id = uuid.NewSHA1(eventNamespace, data)
	}

	h := Header{
		ID:        env.id,
		Type:      env.typ,
		OrderID:   env.orderID,
		UserID:    env.userID,
		Version:   env.version,
		Timestamp: env.timestamp,
	}

	switch env.typ {
	case EventCreated:
		return Created{
			Header:          h,
			TotalAmount:     env.totalAmount,
			Items:           env.items,
			ShippingAddress: env.shippingAddress,
			Notes:           env.notes,
		}, nil
	case EventStatusUpdated:
		newStatus, err := ParseStatus(env.newStatus)
		if err != nil {
			return nil, errors.Wrap(err, "decode newStatus")
		}
		oldStatus, _ := ParseStatus(env.oldStatus)
		return StatusUpdated{
			Header:    h,
			OldStatus: oldStatus,
			NewStatus: newStatus,
		}, nil
	case EventDeleted:
		return Deleted{Header: h}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownEventType, "%q", env.typ)
	}
}

func decodeItem(d *jx.Decoder) (OrderItem, error) {
	var item OrderItem
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "productId":
			if d.Next() == jx.Null {
				err = d.Null()
			} else {
				item.ProductID, err = d.Int64()
			}
		case "productName":
			item.ProductName, err = decodeOptStr(d)
		case "quantity":
			item.Quantity, err = d.Int()
		case "unitPrice":
			item.UnitPrice, err = decodeDecimal(d)
		default:
			// totalPrice is derived and never read back.
			err = d.Skip()
		}
		return err
	})
	return item, err
}

func decodeOptStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Null:
		return decimal.Zero, d.Null()
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(string(n))
	}
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := decodeOptStr(d)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(legacyTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return t, nil
}
