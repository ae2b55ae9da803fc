// Package decoder parses broker deliveries into log records.
//
// Jasmin publishes message events under three routing key families:
// submitted messages (submit.sm.*), SMSC acknowledgments (submit.sm.resp.*)
// and delivery receipts (dlr_thrower.*). Submit and response bodies are JSON
// PDU documents; receipts travel almost entirely in broker headers.
package decoder

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/novatechflow/jasminmongologd/internal/record"
)

const (
	submitPrefix     = "submit.sm."
	submitRespPrefix = "submit.sm.resp."
	dlrPrefix        = "dlr_thrower."
)

// udhConcatHeader marks a concatenated-SMS user data header on a segment.
var udhConcatHeader = []byte{0x05, 0x00, 0x03}

// Delivery is the broker-agnostic view of one received message. The ingest
// loop fills it from the AMQP delivery so the decoder stays free of transport
// types.
type Delivery struct {
	RoutingKey      string
	MessageID       string
	ContentEncoding string
	Priority        uint8
	Headers         map[string]any
	Body            []byte
	ReceivedAt      time.Time
	Redelivered     bool
}

// DecodeError marks a payload that cannot be fixed by redelivery. The ingest
// loop dead-letters such messages instead of retrying them.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder turns deliveries into log records. It is stateless and safe for
// concurrent use; Decode is deterministic for a given Delivery.
type Decoder struct {
	privacy bool
}

// New returns a decoder. With privacy enabled, message content is replaced by
// length placeholders before it reaches the sink.
func New(privacy bool) *Decoder {
	return &Decoder{privacy: privacy}
}

// Decode parses one delivery. It returns a fully populated record or a
// *DecodeError; no partial records are ever returned.
func (d *Decoder) Decode(in Delivery) (*record.LogRecord, error) {
	key := in.RoutingKey
	switch {
	case strings.HasPrefix(key, submitRespPrefix):
		return d.decodeSubmitResp(in)
	case strings.HasPrefix(key, submitPrefix):
		return d.decodeSubmit(in)
	case strings.HasPrefix(key, dlrPrefix):
		return d.decodeDLR(in)
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown route %q", key)}
	}
}

type submitPayload struct {
	SourceAddr           string       `json:"source_addr"`
	DestinationAddr      string       `json:"destination_addr"`
	ShortMessage         []byte       `json:"short_message"`
	Segments             [][]byte     `json:"segments"`
	DataCoding           *int         `json:"data_coding"`
	ScheduleDeliveryTime string       `json:"schedule_delivery_time"`
	ValidityPeriod       string       `json:"validity_period"`
	Status               string       `json:"status"`
	Bill                 *billPayload `json:"bill"`
}

type billPayload struct {
	ID       string   `json:"bid"`
	User     billUser `json:"user"`
	Amount   float64  `json:"amount"`
	SMSCount float64  `json:"sms_count"`
}

type billUser struct {
	ID            string   `json:"uid"`
	Group         string   `json:"gid"`
	Username      string   `json:"username"`
	Balance       *float64 `json:"balance"`
	SubmitSMCount *float64 `json:"submit_sm_count"`
}

func (d *Decoder) decodeSubmit(in Delivery) (*record.LogRecord, error) {
	if in.MessageID == "" {
		return nil, &DecodeError{Reason: "missing message id"}
	}
	body, err := d.payload(in)
	if err != nil {
		return nil, err
	}
	var pdu submitPayload
	if err := json.Unmarshal(body, &pdu); err != nil {
		return nil, &DecodeError{Reason: "malformed submit payload", Err: err}
	}

	raw, pages := concatenate(pdu.ShortMessage, pdu.Segments)
	decoded := decodeText(raw, pdu.DataCoding)
	binary := hex.EncodeToString(raw)

	shortMessage := any(string(raw))
	binaryMessage := any(binary)
	decodedMessage := any(decoded)
	if d.privacy {
		shortMessage = fmt.Sprintf("** %d byte content **", len(raw))
		binaryMessage = fmt.Sprintf("** %d byte content **", len(binary))
		decodedMessage = fmt.Sprintf("** %d char content **", utf8.RuneCountInString(decoded))
	}

	route := strings.TrimPrefix(in.RoutingKey, submitPrefix)
	createdAt := headerString(in.Headers, "created_at")
	source := headerString(in.Headers, "source_connector")
	validity := headerValue(in.Headers, "expiration")

	doc := map[string]any{
		"created_at":             createdAt,
		"priority":               int(in.Priority),
		"source":                 source,
		"route":                  route,
		"destination_addr":       pdu.DestinationAddr,
		"source_addr":            pdu.SourceAddr,
		"schedule_delivery_time": pdu.ScheduleDeliveryTime,
		"validity_period":        pdu.ValidityPeriod,
		"data_coding":            dataCodingValue(pdu.DataCoding),
		"validity":               validity,
		"status":                 pdu.Status,
		"page_count":             pages,
		"short_message":          shortMessage,
		"binary_message":         binaryMessage,
		"short_message_decoded":  decodedMessage,
	}

	rec := &record.LogRecord{
		MessageID:  in.MessageID,
		Kind:       record.KindSubmit,
		ReceivedAt: in.ReceivedAt,
	}

	if pdu.Bill != nil {
		doc["bill"] = billDocument(pdu.Bill, source, route, createdAt, int(in.Priority), &pdu, pages)
		rec.UserID = pdu.Bill.User.ID
		rec.UserUpdate = record.Sanitize(map[string]any{
			"mt_messaging_cred quota balance":   floatValue(pdu.Bill.User.Balance),
			"mt_messaging_cred quota sms_count": floatValue(pdu.Bill.User.SubmitSMCount),
		})
	}

	rec.Document = record.Sanitize(doc)
	return rec, nil
}

type respPayload struct {
	Status string `json:"status"`
}

func (d *Decoder) decodeSubmitResp(in Delivery) (*record.LogRecord, error) {
	if in.MessageID == "" {
		return nil, &DecodeError{Reason: "missing message id"}
	}
	body, err := d.payload(in)
	if err != nil {
		return nil, err
	}
	var pdu respPayload
	if err := json.Unmarshal(body, &pdu); err != nil {
		return nil, &DecodeError{Reason: "malformed submit response payload", Err: err}
	}
	doc := record.Sanitize(map[string]any{
		"ack": map[string]any{
			"created_at": headerString(in.Headers, "created_at"),
			"status":     pdu.Status,
		},
	})
	return &record.LogRecord{
		MessageID:  in.MessageID,
		Kind:       record.KindSubmitResp,
		ReceivedAt: in.ReceivedAt,
		Document:   doc,
	}, nil
}

func (d *Decoder) decodeDLR(in Delivery) (*record.LogRecord, error) {
	id := in.MessageID
	if id == "" {
		id = headerString(in.Headers, "id")
	}
	if id == "" {
		return nil, &DecodeError{Reason: "missing message id"}
	}

	entry := make(map[string]any, len(in.Headers)+1)
	for k, v := range in.Headers {
		entry[k] = v
	}
	entry["created_at"] = in.ReceivedAt.Format("2006-01-02 15:04:05")

	if d.privacy {
		if text, ok := entry["text"].(string); ok && text != "" {
			entry["text"] = fmt.Sprintf("** %d char content **", utf8.RuneCountInString(text))
		}
	}

	return &record.LogRecord{
		MessageID:  id,
		Kind:       record.KindDLR,
		ReceivedAt: in.ReceivedAt,
		Document:   record.Sanitize(entry),
	}, nil
}

// payload returns the delivery body, transparently decompressing gzip bodies.
func (d *Decoder) payload(in Delivery) ([]byte, error) {
	if !strings.EqualFold(in.ContentEncoding, "gzip") {
		return in.Body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(in.Body))
	if err != nil {
		return nil, &DecodeError{Reason: "malformed gzip payload", Err: err}
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, &DecodeError{Reason: "truncated gzip payload", Err: err}
	}
	return body, nil
}

// concatenate joins multi-part message segments, stripping concatenation UDH
// headers when present, and reports the page count.
func concatenate(short []byte, segments [][]byte) ([]byte, int) {
	if len(segments) == 0 {
		return short, 1
	}
	var buf bytes.Buffer
	for _, seg := range segments {
		if bytes.HasPrefix(seg, udhConcatHeader) && len(seg) >= 6 {
			seg = seg[6:]
		}
		buf.Write(seg)
	}
	return buf.Bytes(), len(segments)
}

func billDocument(bill *billPayload, source, route, createdAt string, priority int, pdu *submitPayload, pages int) map[string]any {
	return map[string]any{
		"_id": bill.ID,
		"user": map[string]any{
			"_id":      bill.User.ID,
			"group":    bill.User.Group,
			"username": bill.User.Username,
			"quota": map[string]any{
				"balance":         floatValue(bill.User.Balance),
				"submit_sm_count": floatValue(bill.User.SubmitSMCount),
			},
		},
		"source_connector":       source,
		"routed_cid":             route,
		"created_at":             createdAt,
		"priority":               priority,
		"destination_addr":       pdu.DestinationAddr,
		"source_addr":            pdu.SourceAddr,
		"schedule_delivery_time": pdu.ScheduleDeliveryTime,
		"validity_period":        pdu.ValidityPeriod,
		"page_count":             pages,
		"amount_rate":            bill.Amount,
		"amount_charge":          bill.Amount * float64(pages),
		"sms_count_rate":         bill.SMSCount,
		"sms_count_charge":       bill.SMSCount * float64(pages),
	}
}

func headerString(headers map[string]any, key string) string {
	switch v := headers[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func headerValue(headers map[string]any, key string) any {
	if v, ok := headers[key]; ok {
		return v
	}
	return nil
}

func dataCodingValue(dc *int) any {
	if dc == nil {
		return nil
	}
	return *dc
}

func floatValue(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
