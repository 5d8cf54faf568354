package service

import (
	"context"
	"fmt"

	"creditledger/internal/infrastructure/payment"
	"creditledger/internal/model"
	"creditledger/internal/repository"

	"gorm.io/gorm"
)

// customerBinder 按需创建渠道客户并绑定到账户
//
// 渠道侧创建使用账户ID作幂等键，本地用条件更新写入，
// 并发创建时最终都收敛到同一个客户ID。
type customerBinder struct {
	accountRepo *repository.AccountRepository
	gateway     PaymentGateway
}

// ensure 返回账户的渠道客户ID，没有则创建。tx 非空时在该事务内写入
func (b *customerBinder) ensure(ctx context.Context, tx *gorm.DB, account *model.BillingAccount) (string, error) {
	if id := account.CustomerID(); id != "" {
		return id, nil
	}

	customerID, err := b.gateway.CreateCustomer(ctx, account.AppID, payment.CustomerInput{
		AccountID: account.ID,
		OrgID:     account.OrgID,
		AppID:     account.AppID,
	})
	if err != nil {
		return "", fmt.Errorf("创建渠道客户失败: %w", err)
	}

	ok, err := b.accountRepo.SetCustomerIDIfEmpty(ctx, tx, account.ID, customerID)
	if err != nil {
		return "", fmt.Errorf("绑定渠道客户失败: %w", err)
	}
	if !ok {
		fresh, err := b.accountRepo.GetByID(ctx, tx, account.ID)
		if err != nil {
			return "", err
		}
		customerID = fresh.CustomerID()
		if customerID == "" {
			return "", fmt.Errorf("绑定渠道客户失败: account %s", account.ID)
		}
	}

	account.ProviderCustomerID = &customerID
	return customerID, nil
}
