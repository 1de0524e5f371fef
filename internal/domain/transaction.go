package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channel is the rail a transaction moved on.
type Channel string

const (
	ChannelWire     Channel = "wire"
	ChannelCrypto   Channel = "crypto"
	ChannelCard     Channel = "card"
	ChannelACH      Channel = "ach"
	ChannelCash     Channel = "cash"
	ChannelInternal Channel = "internal"
)

// Transaction is an immutable transfer between two accounts.
// In the transaction graph it is the directed edge Sender -> Receiver, ordered by Timestamp.
type Transaction struct {
	ID              string          `json:"id" yaml:"id" validate:"required,max=128,printascii"`
	Timestamp       time.Time       `json:"timestamp" yaml:"timestamp" validate:"required"`
	SenderAccount   string          `json:"senderAccount" yaml:"senderAccount" validate:"required,account"`
	ReceiverAccount string          `json:"receiverAccount" yaml:"receiverAccount" validate:"required,account"`
	Amount          decimal.Decimal `json:"amount" yaml:"amount"`
	Currency        string          `json:"currency" yaml:"currency" validate:"required,currency"`
	SenderCountry   string          `json:"senderCountry" yaml:"senderCountry" validate:"required,iso3166_1_alpha2"`
	ReceiverCountry string          `json:"receiverCountry" yaml:"receiverCountry" validate:"required,iso3166_1_alpha2"`
	Channel         Channel         `json:"channel" yaml:"channel" validate:"required,oneof=wire crypto card ach cash internal"`
}

// Involves reports whether the account is either endpoint of the transaction.
func (t *Transaction) Involves(account string) bool {
	return t.SenderAccount == account || t.ReceiverAccount == account
}

// IngestResult describes what happened to a single ingested transaction.
type IngestResult struct {
	TransactionID string        `json:"transactionId"`
	Flags         []RawFlag     `json:"flags,omitempty"`
	Failures      []RuleFailure `json:"failures,omitempty"`
	Alerts        []AlertEvent  `json:"alerts,omitempty"`
	ScanTriggered bool          `json:"scanTriggered"`
}
