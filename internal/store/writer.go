package store

import (
	"context"
	"encoding/json"

	"github.com/wfunc/sas-edge-agent/internal/aft"
	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
	"github.com/wfunc/sas-edge-agent/internal/metertracker"
	"github.com/wfunc/sas-edge-agent/internal/sink"
)

// EventWriter 把持久化队列的事件翻译成存储行
// 实现sink.RemoteWriter：按事件kind解码负载并写入对应表。
type EventWriter struct {
	store RemoteStore
}

// NewEventWriter 创建事件写入适配器
func NewEventWriter(store RemoteStore) *EventWriter {
	return &EventWriter{store: store}
}

// Write 投递一条队列事件
func (w *EventWriter) Write(ctx context.Context, ev *sink.QueuedEvent) error {
	switch ev.Kind {
	case metertracker.EventKindMeterChanged:
		var body metertracker.MeterChangedEvent
		if err := json.Unmarshal(ev.Body, &body); err != nil {
			return agenterrors.Wrap(err, agenterrors.StoreWriteFailed, "解码计数器事件")
		}
		return w.store.RecordMeterChange(ctx, &MeterChangeRow{
			MachineAddress: body.MachineAddress,
			MeterCode:      body.MeterCode,
			MeterName:      body.MeterName,
			OldValue:       body.OldValue,
			NewValue:       body.NewValue,
			Suspect:        body.Suspect,
			ObservedAt:     body.ObservedAt,
			Sequence:       ev.Sequence,
		})

	case aft.EventKindAFTResult:
		var body aft.ResultEvent
		if err := json.Unmarshal(ev.Body, &body); err != nil {
			return agenterrors.Wrap(err, agenterrors.StoreWriteFailed, "解码AFT结果事件")
		}
		return w.store.RecordAFTResult(ctx, &AFTResultRow{
			TransactionID:      body.TransactionID,
			TransferType:       byte(body.TransferType),
			CashableCents:      body.CashableCents,
			RestrictedCents:    body.RestrictedCents,
			NonRestrictedCents: body.NonRestrictedCents,
			AssetNumber:        body.AssetNumber,
			State:              body.State.String(),
			StatusCode:         byte(body.Status),
			StatusText:         body.StatusText,
			ObservedAt:         body.ObservedAt,
			Sequence:           ev.Sequence,
		})

	default:
		return agenterrors.Newf(agenterrors.StoreWriteFailed, "未知事件类型 %s", ev.Kind)
	}
}
