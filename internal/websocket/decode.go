package websocket

import (
	"encoding/json"

	"github.com/berkode/priceengine/internal/domain"
)

type accountNotificationValue struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value struct {
		Data []string `json:"data"` // [base64, "base64"]
	} `json:"value"`
}

type logsNotificationValue struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value struct {
		Signature string   `json:"signature"`
		Logs      []string `json:"logs"`
		Err       interface{} `json:"err"`
	} `json:"value"`
}

func decodeAccountNotification(poolKey string, raw json.RawMessage) RawEvent {
	var v accountNotificationValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return RawEvent{Kind: domain.KindAccountUpdates, Pool: poolKey, Err: err}
	}
	var b64 string
	if len(v.Value.Data) > 0 {
		b64 = v.Value.Data[0]
	}
	return RawEvent{
		Kind:       domain.KindAccountUpdates,
		Pool:       poolKey,
		Slot:       v.Context.Slot,
		AccountB64: b64,
	}
}

func decodeLogsNotification(programKey string, raw json.RawMessage) RawEvent {
	var v logsNotificationValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return RawEvent{Kind: domain.KindProgramLogs, Pool: programKey, Err: err}
	}
	if v.Value.Err != nil {
		// Failed transactions still carry logs but never a meaningful swap;
		// the parser layer would reject them anyway, so drop here.
		return RawEvent{Kind: domain.KindProgramLogs, Pool: programKey, Slot: v.Context.Slot}
	}
	return RawEvent{
		Kind:      domain.KindProgramLogs,
		Pool:      programKey,
		Slot:      v.Context.Slot,
		Signature: v.Value.Signature,
		Logs:      v.Value.Logs,
	}
}
