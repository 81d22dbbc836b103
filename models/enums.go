package models

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether fulfillment is finished. A delivered order
// can still be cancelled as a return; see transitionPolicy.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

type PaymentMethod string

const (
	PaymentMethodCash   PaymentMethod = "cod"
	PaymentMethodPaymob PaymentMethod = "paymob"
	PaymentMethodWallet PaymentMethod = "wallet"
)

func (m PaymentMethod) IsCashOnDelivery() bool {
	return m == PaymentMethodCash
}

type ActorRole string

const (
	ActorRoleCustomer ActorRole = "customer"
	ActorRoleAdmin    ActorRole = "admin"
	ActorRoleSystem   ActorRole = "system"
)

// SystemActorId is recorded on audit rows written by internal pathways
// (payment confirmation, sweepers) which carry no admin identity.
const SystemActorId = "SYSTEM"

type PaymentIntentStatus string

const (
	PaymentIntentStatusPending   PaymentIntentStatus = "pending"
	PaymentIntentStatusSucceeded PaymentIntentStatus = "succeeded"
	PaymentIntentStatusFailed    PaymentIntentStatus = "failed"
	PaymentIntentStatusExpired   PaymentIntentStatus = "expired"
)

type AccountMainType string

const (
	AccountMainTypeAsset     AccountMainType = "Asset"
	AccountMainTypeLiability AccountMainType = "Liability"
	AccountMainTypeEquity    AccountMainType = "Equity"
	AccountMainTypeIncome    AccountMainType = "Income"
	AccountMainTypeExpense   AccountMainType = "Expense"
)

// IsDebitNormal reports whether debits increase the account balance.
// Asset/Expense accounts increase on debit; Liability/Equity/Income on credit.
func (t AccountMainType) IsDebitNormal() bool {
	return t == AccountMainTypeAsset || t == AccountMainTypeExpense
}

// System default chart of accounts.
const (
	AccountCodeCash               = "1000"
	AccountCodeAccountsReceivable = "1100"
	AccountCodeInventoryAsset     = "1200"
	AccountCodeAccountsPayable    = "2000"
	AccountCodeDeferredRevenue    = "2100"
	AccountCodeOwnersEquity       = "3000"
	AccountCodeSales              = "4000"
	AccountCodeCostOfGoodsSold    = "5000"
)

type PeriodStatus string

const (
	PeriodStatusOpen    PeriodStatus = "open"
	PeriodStatusClosing PeriodStatus = "closing"
	PeriodStatusClosed  PeriodStatus = "closed"
	PeriodStatusLocked  PeriodStatus = "locked"
)

// Only open periods accept postings; closing blocks them too so the
// close summary is computed over a frozen ledger. Locked additionally
// refuses reopening.
func (s PeriodStatus) BlocksPosting() bool {
	return s != PeriodStatusOpen
}

type InventoryAction string

const (
	InventoryActionReserve  InventoryAction = "RESERVE"
	InventoryActionCommit   InventoryAction = "COMMIT"
	InventoryActionRelease  InventoryAction = "RELEASE"
	InventoryActionIncrease InventoryAction = "INCREASE"
	InventoryActionReturn   InventoryAction = "RETURN"
)
