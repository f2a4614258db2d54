// Package domain holds a small event-sourced aggregate used by the
// integration-style tests.
package domain

import (
	"errors"
	"time"

	"github.com/codewandler/esrc-go/core/es"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

type (
	MoneyDepositedEvent struct {
		Amount int64     `json:"amount"`
		At     time.Time `json:"at"`
	}

	MoneyWithdrawnEvent struct {
		Amount int64     `json:"amount"`
		At     time.Time `json:"at"`
	}
)

func (e MoneyDepositedEvent) Validate() error {
	if e.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

func (e MoneyWithdrawnEvent) Validate() error {
	if e.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

// Account is a minimal bank account aggregate.
type Account struct {
	es.BaseAggregate
	Balance int64 `json:"balance"`
	TxCount int   `json:"tx_count"`
}

func (a *Account) GetAggType() string { return "account" }

func (a *Account) Register(r es.Registrar) {
	es.RegisterEventFor[es.AggregateCreatedEvent](r)
	es.RegisterEventFor[MoneyDepositedEvent](r)
	es.RegisterEventFor[MoneyWithdrawnEvent](r)
}

func (a *Account) Apply(evt any) error {
	switch e := evt.(type) {
	case *MoneyDepositedEvent:
		a.Balance += e.Amount
		a.TxCount++
	case *MoneyWithdrawnEvent:
		a.Balance -= e.Amount
		a.TxCount++
	default:
		return a.BaseAggregate.Apply(evt)
	}
	return nil
}

func (a *Account) Deposit(amount int64) error {
	return es.RaiseAndApply(a, &MoneyDepositedEvent{Amount: amount, At: time.Now()})
}

func (a *Account) Withdraw(amount int64) error {
	if a.Balance < amount {
		return ErrInsufficientFunds
	}
	return es.RaiseAndApply(a, &MoneyWithdrawnEvent{Amount: amount, At: time.Now()})
}

var _ es.Aggregate = (*Account)(nil)
