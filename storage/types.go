package storage

import "errors"

// RoundStatus tracks a round through its lifecycle.
type RoundStatus string

const (
	RoundUpcoming  RoundStatus = "upcoming"
	RoundOpen      RoundStatus = "open"
	RoundLocked    RoundStatus = "locked"
	RoundResolving RoundStatus = "resolving"
	RoundResolved  RoundStatus = "resolved"
	RoundCancelled RoundStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RoundStatus) Terminal() bool {
	return s == RoundResolved || s == RoundCancelled
}

// Side is the direction of a wager.
type Side string

const (
	SideUp   Side = "up"
	SideDown Side = "down"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// Valid reports whether the side is one of the two recognised values.
func (s Side) Valid() bool { return s == SideUp || s == SideDown }

// Outcome is the resolved direction of a round.
type Outcome string

const (
	OutcomeUp   Outcome = "up"
	OutcomeDown Outcome = "down"
	OutcomePush Outcome = "push"
)

// EntryStatus tracks a wager from placement to settlement.
type EntryStatus string

const (
	EntryActive   EntryStatus = "active"
	EntryWon      EntryStatus = "won"
	EntryLost     EntryStatus = "lost"
	EntryPush     EntryStatus = "push"
	EntryRefunded EntryStatus = "refunded"
)

// TxKind enumerates ledger row kinds.
type TxKind string

const (
	TxDeposit     TxKind = "deposit"
	TxWithdrawal  TxKind = "withdrawal"
	TxWager       TxKind = "wager"
	TxPayout      TxKind = "payout"
	TxRefund      TxKind = "refund"
	TxPlatformFee TxKind = "platform_fee"
)

// TxStatus tracks a ledger row's settlement state.
type TxStatus string

const (
	TxPending            TxStatus = "pending"
	TxBroadcastRequested TxStatus = "broadcast_requested"
	TxConfirmed          TxStatus = "confirmed"
	TxFailed             TxStatus = "failed"
)

// SnapshotKind distinguishes opening and closing price snapshots.
type SnapshotKind string

const (
	SnapshotOpening SnapshotKind = "opening"
	SnapshotClosing SnapshotKind = "closing"
)

// LedgerKind enumerates house ledger row kinds.
type LedgerKind string

const (
	LedgerMatchBet  LedgerKind = "match_bet"
	LedgerWin       LedgerKind = "win"
	LedgerLoss      LedgerKind = "loss"
	LedgerRefund    LedgerKind = "refund"
	LedgerFeeIncome LedgerKind = "fee_income"
)

// HouseAddress is the reserved sentinel identifying house-owned entries and
// the platform account. It can never collide with a user address because
// Qubic identities are exactly 60 characters.
const HouseAddress = "HOUSE"

// Typed errors surfaced by store operations. API handlers and the engine
// branch on these with errors.Is.
var (
	ErrRoundNotFound        = errors.New("storage: round not found")
	ErrRoundNotOpen         = errors.New("storage: round not open for wagers")
	ErrRoundNotResolving    = errors.New("storage: round not in resolving state")
	ErrDuplicateEntry       = errors.New("storage: wager already placed in this round")
	ErrAccountNotFound      = errors.New("storage: account not found")
	ErrInsufficientBalance  = errors.New("storage: insufficient balance")
	ErrDuplicateDepositHash = errors.New("storage: deposit hash already credited")
	ErrInvalidAmount        = errors.New("storage: amount must be positive")
	ErrTransactionNotFound  = errors.New("storage: transaction not found")
)

// Round is one prediction window.
type Round struct {
	ID             string       `json:"id"`
	Pair           string       `json:"pair"`
	Duration       int          `json:"duration"`
	Status         RoundStatus  `json:"status"`
	OpenAt         int64        `json:"openAt"`
	LockAt         int64        `json:"lockAt"`
	CloseAt        int64        `json:"closeAt"`
	OpeningPrice   *float64     `json:"openingPrice,omitempty"`
	ClosingPrice   *float64     `json:"closingPrice,omitempty"`
	Outcome        Outcome      `json:"outcome,omitempty"`
	UpPoolQU       int64        `json:"upPoolQU"`
	DownPoolQU     int64        `json:"downPoolQU"`
	EntryCount     int          `json:"entryCount"`
	PlatformFeeQU  int64        `json:"platformFeeQU"`
	CommitmentHash string       `json:"commitmentHash,omitempty"`
	ResolvedAt     *int64       `json:"resolvedAt,omitempty"`
	CreatedAt      int64        `json:"createdAt"`
}

// Entry is one wager inside a round.
type Entry struct {
	ID          string      `json:"id"`
	RoundID     string      `json:"roundId"`
	UserAddress string      `json:"userAddress"`
	Side        Side        `json:"side"`
	AmountQU    int64       `json:"amountQU"`
	PayoutQU    *int64      `json:"payoutQU,omitempty"`
	Status      EntryStatus `json:"status"`
	IsHouse     bool        `json:"isHouse"`
	CreatedAt   int64       `json:"createdAt"`
}

// Account is a user balance ledger.
type Account struct {
	Address        string `json:"address"`
	BalanceQU      int64  `json:"balanceQU"`
	TotalDeposited int64  `json:"totalDeposited"`
	TotalWithdrawn int64  `json:"totalWithdrawn"`
	TotalWagered   int64  `json:"totalWagered"`
	TotalWon       int64  `json:"totalWon"`
	TotalLost      int64  `json:"totalLost"`
	TotalRefunded  int64  `json:"totalRefunded"`
	Wins           int    `json:"wins"`
	Losses         int    `json:"losses"`
	Pushes         int    `json:"pushes"`
	CurrentStreak  int    `json:"currentStreak"`
	BestStreak     int    `json:"bestStreak"`
	AuthToken      string `json:"-"`
	CreatedAt      int64  `json:"createdAt"`
}

// Transaction is one immutable audit row.
type Transaction struct {
	ID          string   `json:"id"`
	Address     string   `json:"address"`
	Kind        TxKind   `json:"kind"`
	AmountQU    int64    `json:"amountQU"`
	RoundID     string   `json:"roundId,omitempty"`
	TxHash      string   `json:"txHash,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Status      TxStatus `json:"status"`
	CreatedAt   int64    `json:"createdAt"`
}

// PriceSnapshot records the price tuple a round committed to.
type PriceSnapshot struct {
	ID              int64        `json:"id"`
	RoundID         string       `json:"roundId"`
	Kind            SnapshotKind `json:"kind"`
	Pair            string       `json:"pair"`
	MedianPrice     float64      `json:"medianPrice"`
	SourcesJSON     string       `json:"sources"`
	AttestationHash string       `json:"attestationHash"`
	CreatedAt       int64        `json:"createdAt"`
}

// HouseLedgerEntry is one row in the house accounting stream.
type HouseLedgerEntry struct {
	ID             int64      `json:"id"`
	RoundID        string     `json:"roundId"`
	EntryID        string     `json:"entryId,omitempty"`
	Kind           LedgerKind `json:"kind"`
	AmountQU       int64      `json:"amountQU"`
	BalanceAfterQU int64      `json:"balanceAfterQU"`
	CreatedAt      int64      `json:"createdAt"`
}

// PricePoint is one captured chart tick.
type PricePoint struct {
	Pair      string  `json:"pair"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}
