package service

import (
	"context"
	"fmt"
	"time"

	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/idgen"

	"gorm.io/gorm"
)

// LedgerEvent 经 outbox 投递到 Kafka 的账本事件
type LedgerEvent struct {
	EventNo      string            `json:"event_no"`
	EventType    string            `json:"event_type"`
	AccountID    string            `json:"account_id"`
	OrgID        string            `json:"org_id"`
	AppID        string            `json:"app_id"`
	BillingMode  model.BillingMode `json:"billing_mode"`
	AmountCents  int64             `json:"amount_cents"`
	BalanceCents int64             `json:"balance_cents"`
	Reference    string            `json:"reference,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// entry 一次余额变更
type entry struct {
	txType      string
	eventType   string
	amount      int64 // 带符号，入账为正
	before      int64
	reference   string
	description string
}

// ledgerWriter 余额变更的流水和事件，必须和余额写入在同一个事务里
type ledgerWriter struct {
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func newLedgerWriter(db *gorm.DB, topic string) *ledgerWriter {
	return &ledgerWriter{
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db, topic),
	}
}

func (w *ledgerWriter) write(ctx context.Context, tx *gorm.DB, account *model.BillingAccount, e entry) (*model.CreditTransaction, error) {
	trans := &model.CreditTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		AccountID:     account.ID,
		Type:          e.txType,
		Amount:        e.amount,
		BalanceBefore: e.before,
		BalanceAfter:  e.before + e.amount,
		Reference:     e.reference,
		Description:   truncate(e.description, 256),
	}
	if err := w.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	if err := w.emit(ctx, tx, account, e.eventType, e.amount, trans.BalanceAfter, trans.TransactionNo); err != nil {
		return nil, err
	}
	return trans, nil
}

// emit 只写事件不写流水，用于余额没有变化的情况（如额度耗尽）
func (w *ledgerWriter) emit(ctx context.Context, tx *gorm.DB, account *model.BillingAccount, eventType string, amount, balance int64, reference string) error {
	event := &LedgerEvent{
		EventNo:      idgen.GenerateEventNo(),
		EventType:    eventType,
		AccountID:    account.ID,
		OrgID:        account.OrgID,
		AppID:        account.AppID,
		BillingMode:  account.BillingMode,
		AmountCents:  amount,
		BalanceCents: balance,
		Reference:    reference,
		OccurredAt:   time.Now().UTC(),
	}
	if err := w.outboxRepo.Enqueue(ctx, tx, account.ID, eventType, event); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
