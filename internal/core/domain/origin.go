package domain

import "encoding/json"

// Origin identifies the caller of a ledger operation. Credential is produced by
// the caller's wallet over the canonical payload of the call.
type Origin struct {
	Account    AccountID `json:"account"`
	Credential string    `json:"credential"`
}

// Call names a ledger operation and its arguments.
type Call struct {
	Name string `json:"call"`
	Args any    `json:"args"`
}

// Payload is the canonical encoding signed by wallets and verified by the ledger.
func (c Call) Payload() ([]byte, error) {
	return json.Marshal(c)
}

const (
	CallRegisterStream   = "register_stream"
	CallEndStream        = "end_stream"
	CallJoinStream       = "join_stream"
	CallLeaveStream      = "leave_stream"
	CallRecordTick       = "record_tick"
	CallProcessPayment   = "process_payment"
	CallDistributePayout = "distribute_payout"
	CallDeposit          = "deposit"
	CallSetPlatformFee   = "set_platform_fee"

	// CallLogin is never executed by the ledger; wallets sign it to open an API session.
	CallLogin = "login"
)

type StreamCall struct {
	StreamID StreamID       `json:"stream_id"`
	Pricing  *PricingConfig `json:"pricing,omitempty"`
}

type MembershipCall struct {
	StreamID StreamID  `json:"stream_id"`
	Viewer   AccountID `json:"viewer"`
}

type LoginCall struct {
	Account AccountID `json:"account"`
	Nonce   string    `json:"nonce"`
}

type FeeCall struct {
	StreamID   StreamID `json:"stream_id"`
	FeePercent uint8    `json:"fee_percent"`
}

type PayoutCall struct {
	Creator AccountID `json:"creator"`
}

func NewRegisterStreamCall(id StreamID, pricing PricingConfig) Call {
	return Call{Name: CallRegisterStream, Args: StreamCall{StreamID: id, Pricing: &pricing}}
}

func NewSetPlatformFeeCall(id StreamID, feePercent uint8) Call {
	return Call{Name: CallSetPlatformFee, Args: FeeCall{StreamID: id, FeePercent: feePercent}}
}

func NewEndStreamCall(id StreamID) Call {
	return Call{Name: CallEndStream, Args: StreamCall{StreamID: id}}
}

func NewJoinCall(id StreamID) Call {
	return Call{Name: CallJoinStream, Args: StreamCall{StreamID: id}}
}

func NewLeaveCall(id StreamID, viewer AccountID) Call {
	return Call{Name: CallLeaveStream, Args: MembershipCall{StreamID: id, Viewer: viewer}}
}

func NewRecordTickCall(tick TickCall) Call {
	return Call{Name: CallRecordTick, Args: tick}
}

func NewProcessPaymentCall(payment PaymentCall) Call {
	return Call{Name: CallProcessPayment, Args: payment}
}

func NewDistributePayoutCall(creator AccountID) Call {
	return Call{Name: CallDistributePayout, Args: PayoutCall{Creator: creator}}
}

func NewDepositCall(deposit DepositCall) Call {
	return Call{Name: CallDeposit, Args: deposit}
}

func NewLoginCall(account AccountID, nonce string) Call {
	return Call{Name: CallLogin, Args: LoginCall{Account: account, Nonce: nonce}}
}
