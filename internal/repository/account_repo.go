package repository

import (
	"context"
	"errors"

	"creditledger/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound = errors.New("计费账户不存在")
)

// AccountFields 可更新字段，nil 表示不修改
type AccountFields struct {
	BillingMode          *model.BillingMode
	PaymentMethodID      *string
	ReloadAmountCents    *int64
	ReloadThresholdCents *int64
}

func (f AccountFields) toMap() map[string]interface{} {
	updates := map[string]interface{}{}
	if f.BillingMode != nil {
		updates["billing_mode"] = *f.BillingMode
	}
	if f.PaymentMethodID != nil {
		updates["payment_method_id"] = *f.PaymentMethodID
	}
	if f.ReloadAmountCents != nil {
		updates["reload_amount_cents"] = *f.ReloadAmountCents
	}
	if f.ReloadThresholdCents != nil {
		updates["reload_threshold_cents"] = *f.ReloadThresholdCents
	}
	return updates
}

// AccountRepository 账本存储
//
// 余额只有两种写法：
//  1. SetBalance: 调用方持有行锁（GetForUpdate）算好新余额后写入
//  2. IncrementBalance: 原子增量，给不持锁的后台充值使用，不会覆盖并发扣费
type AccountRepository struct {
	db                   *gorm.DB
	reloadThresholdCents int64 // 新建账户的后台充值阈值
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db, reloadThresholdCents: model.DefaultReloadThresholdCents}
}

// WithReloadThreshold 设置新建账户的默认充值阈值，负数忽略
func (r *AccountRepository) WithReloadThreshold(cents int64) *AccountRepository {
	if cents >= 0 {
		r.reloadThresholdCents = cents
	}
	return r
}

func (r *AccountRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *AccountRepository) Get(ctx context.Context, orgID, appID string) (*model.BillingAccount, error) {
	return r.get(ctx, r.db, orgID, appID)
}

func (r *AccountRepository) get(ctx context.Context, db *gorm.DB, orgID, appID string) (*model.BillingAccount, error) {
	var account model.BillingAccount
	err := db.WithContext(ctx).Where("org_id = ? AND app_id = ?", orgID, appID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.BillingAccount, error) {
	var account model.BillingAccount
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByCustomerID(ctx context.Context, tx *gorm.DB, customerID string) (*model.BillingAccount, error) {
	var account model.BillingAccount
	err := r.conn(tx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider_customer_id = ?", customerID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetForUpdate 加行锁读取账户，锁持有到外层事务结束
func (r *AccountRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, orgID, appID string) (*model.BillingAccount, error) {
	return r.get(ctx, tx.Clauses(clause.Locking{Strength: "UPDATE"}), orgID, appID)
}

// GetOrCreate 不存在则创建，并发首次访问时由唯一索引兜底：
// 插入冲突不报错，重新读取已存在的行。created 表示本次调用是否真正插入。
func (r *AccountRepository) GetOrCreate(ctx context.Context, orgID, appID string, initialTrialCreditCents int64) (account *model.BillingAccount, created bool, err error) {
	account, err = r.Get(ctx, orgID, appID)
	if err == nil {
		return account, false, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, false, err
	}

	newAccount := &model.BillingAccount{
		ID:                   uuid.NewString(),
		OrgID:                orgID,
		AppID:                appID,
		BillingMode:          model.BillingModeTrial,
		CreditBalanceCents:   initialTrialCreditCents,
		ReloadThresholdCents: r.reloadThresholdCents,
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "app_id"}},
			DoNothing: true,
		}).
		Create(newAccount)
	if result.Error != nil {
		return nil, false, result.Error
	}

	account, err = r.Get(ctx, orgID, appID)
	if err != nil {
		return nil, false, err
	}
	return account, result.RowsAffected > 0 && account.ID == newAccount.ID, nil
}

// Update 更新非余额字段
func (r *AccountRepository) Update(ctx context.Context, tx *gorm.DB, orgID, appID string, fields AccountFields) error {
	updates := fields.toMap()
	if len(updates) == 0 {
		return nil
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.BillingAccount{}).
		Where("org_id = ? AND app_id = ?", orgID, appID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetBalance 写入调用方在行锁内算好的余额
func (r *AccountRepository) SetBalance(ctx context.Context, tx *gorm.DB, accountID string, balanceCents int64) error {
	result := tx.WithContext(ctx).
		Model(&model.BillingAccount{}).
		Where("id = ?", accountID).
		Update("credit_balance_cents", balanceCents)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// IncrementBalance 原子增加余额，不依赖之前读到的值
func (r *AccountRepository) IncrementBalance(ctx context.Context, tx *gorm.DB, accountID string, deltaCents int64) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.BillingAccount{}).
		Where("id = ?", accountID).
		UpdateColumn("credit_balance_cents", gorm.Expr("credit_balance_cents + ?", deltaCents))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetCustomerIDIfEmpty 只在尚未绑定渠道客户时写入，返回是否写入成功
func (r *AccountRepository) SetCustomerIDIfEmpty(ctx context.Context, tx *gorm.DB, accountID, customerID string) (bool, error) {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.BillingAccount{}).
		Where("id = ? AND provider_customer_id IS NULL", accountID).
		Update("provider_customer_id", customerID)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListReloadCandidates payg 且余额低于阈值、已绑定支付方式的账户
func (r *AccountRepository) ListReloadCandidates(ctx context.Context, limit int) ([]*model.BillingAccount, error) {
	var accounts []*model.BillingAccount
	err := r.db.WithContext(ctx).
		Where("billing_mode = ? AND credit_balance_cents < reload_threshold_cents", model.BillingModePAYG).
		Where("payment_method_id IS NOT NULL AND reload_amount_cents > 0").
		Order("updated_at ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}
