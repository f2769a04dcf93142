package nostr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fastjson"
)

// ServerMessageKind tags the relay->client frames of §6.1.
type ServerMessageKind int

const (
	ServerEvent ServerMessageKind = iota
	ServerOK
	ServerEOSE
	ServerClosed
	ServerNotice
	ServerAuth
	ServerCount
	ServerNegMsg
	ServerNegErr
	ServerUnknown
)

// ServerMessage is the decoded form of one relay->client frame.
type ServerMessage struct {
	Kind           ServerMessageKind
	SubscriptionID string
	Event          *Event
	OKEventID      string
	OKAccepted     bool
	OKMessage      string
	ClosedReason   string
	Notice         string
	AuthChallenge  string
	Count          int
	NegMsgHex      string
	NegErrReason   string
}

var fastjsonParserPool fastjson.ParserPool

// peekCommand extracts element 0 of a JSON-array wire frame with a pooled
// fastjson parser, so the dispatcher learns the command name before
// decoding. The full frame is decoded again afterwards with encoding/json,
// so every frame is parsed twice.
func peekCommand(raw []byte) (string, *fastjson.Value, error) {
	p := fastjsonParserPool.Get()
	defer fastjsonParserPool.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return "", nil, err
	}
	arr, err := v.Array()
	if err != nil || len(arr) < 1 {
		return "", nil, fmt.Errorf("not a json array")
	}
	cmd, err := arr[0].StringBytes()
	if err != nil {
		return "", nil, fmt.Errorf("missing command")
	}
	return string(cmd), v, nil
}

// ParseServerMessage decodes one relay->client text frame per §6.1.
// Unrecognized commands yield ServerUnknown rather than an error, since
// NOTICE-worthy unknown frames must never be fatal (§4.2.4).
func ParseServerMessage(raw []byte) (*ServerMessage, error) {
	cmd, _, err := peekCommand(raw)
	if err != nil {
		return nil, err
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, err
	}

	msg := &ServerMessage{}
	switch cmd {
	case "EVENT":
		if len(arr) < 3 {
			return nil, fmt.Errorf("EVENT: too few elements")
		}
		msg.Kind = ServerEvent
		_ = json.Unmarshal(arr[1], &msg.SubscriptionID)
		var e Event
		if err := json.Unmarshal(arr[2], &e); err != nil {
			return nil, fmt.Errorf("EVENT: %w", err)
		}
		msg.Event = &e

	case "OK":
		if len(arr) < 3 {
			return nil, fmt.Errorf("OK: too few elements")
		}
		msg.Kind = ServerOK
		_ = json.Unmarshal(arr[1], &msg.OKEventID)
		_ = json.Unmarshal(arr[2], &msg.OKAccepted)
		if len(arr) > 3 {
			_ = json.Unmarshal(arr[3], &msg.OKMessage)
		}

	case "EOSE":
		if len(arr) < 2 {
			return nil, fmt.Errorf("EOSE: too few elements")
		}
		msg.Kind = ServerEOSE
		_ = json.Unmarshal(arr[1], &msg.SubscriptionID)

	case "CLOSED":
		if len(arr) < 2 {
			return nil, fmt.Errorf("CLOSED: too few elements")
		}
		msg.Kind = ServerClosed
		_ = json.Unmarshal(arr[1], &msg.SubscriptionID)
		if len(arr) > 2 {
			_ = json.Unmarshal(arr[2], &msg.ClosedReason)
		}

	case "NOTICE":
		if len(arr) < 2 {
			return nil, fmt.Errorf("NOTICE: too few elements")
		}
		msg.Kind = ServerNotice
		_ = json.Unmarshal(arr[1], &msg.Notice)

	case "AUTH":
		if len(arr) < 2 {
			return nil, fmt.Errorf("AUTH: too few elements")
		}
		msg.Kind = ServerAuth
		_ = json.Unmarshal(arr[1], &msg.AuthChallenge)

	case "COUNT":
		if len(arr) < 3 {
			return nil, fmt.Errorf("COUNT: too few elements")
		}
		msg.Kind = ServerCount
		_ = json.Unmarshal(arr[1], &msg.SubscriptionID)
		var payload struct {
			Count int `json:"count"`
		}
		_ = json.Unmarshal(arr[2], &payload)
		msg.Count = payload.Count

	case "NEG-MSG":
		if len(arr) < 3 {
			return nil, fmt.Errorf("NEG-MSG: too few elements")
		}
		msg.Kind = ServerNegMsg
		_ = json.Unmarshal(arr[1], &msg.SubscriptionID)
		_ = json.Unmarshal(arr[2], &msg.NegMsgHex)

	case "NEG-ERR":
		if len(arr) < 3 {
			return nil, fmt.Errorf("NEG-ERR: too few elements")
		}
		msg.Kind = ServerNegErr
		_ = json.Unmarshal(arr[1], &msg.SubscriptionID)
		_ = json.Unmarshal(arr[2], &msg.NegErrReason)

	default:
		msg.Kind = ServerUnknown
	}

	return msg, nil
}

// Outgoing frame encoders (client -> relay, §6.1). All return the raw JSON
// bytes ready for Sender.Send.

func encodeEventMsg(e *Event) ([]byte, error) {
	return json.Marshal([2]interface{}{"EVENT", e})
}

func encodeReqMsg(subID string, f Filter) ([]byte, error) {
	return json.Marshal([3]interface{}{"REQ", subID, f})
}

func encodeCountMsg(subID string, f Filter) ([]byte, error) {
	return json.Marshal([3]interface{}{"COUNT", subID, f})
}

func encodeCloseMsg(subID string) ([]byte, error) {
	return json.Marshal([2]interface{}{"CLOSE", subID})
}

func encodeAuthMsg(e *Event) ([]byte, error) {
	return json.Marshal([2]interface{}{"AUTH", e})
}

func encodeNegOpenMsg(subID string, f Filter, initialMsgHex string) ([]byte, error) {
	return json.Marshal([4]interface{}{"NEG-OPEN", subID, f, initialMsgHex})
}

func encodeNegMsgMsg(subID string, msgHex string) ([]byte, error) {
	return json.Marshal([3]interface{}{"NEG-MSG", subID, msgHex})
}

func encodeNegCloseMsg(subID string) ([]byte, error) {
	return json.Marshal([2]interface{}{"NEG-CLOSE", subID})
}
