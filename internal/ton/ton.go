// Package ton is the escrow client: it deploys per-gig escrow contracts on
// TON and submits the four settlement operation codes against them.
//
// The contract is a black box reached only through its operation codes; this
// package holds no gig knowledge beyond what a single chain call needs.
package ton

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	tonsdk "github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"github.com/xssnick/tonutils-go/tvm/cell"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidAddress      = errors.New("ton: invalid address")
	ErrInvalidAmount       = errors.New("ton: invalid amount")
	ErrInsufficientBalance = errors.New("ton: insufficient admin wallet balance")
	ErrNetworkUnavailable  = errors.New("ton: network unavailable")
	ErrBroadcastRejected   = errors.New("ton: broadcast rejected")
	ErrContractNotFound    = errors.New("ton: escrow contract not found")
)

// CallError wraps chain call failures with the operation and target address.
type CallError struct {
	Call string // Call that failed (deploy, submit, query)
	Addr string // Contract address if known
	Err  error
}

func (e *CallError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("ton: %s failed (contract: %s): %v", e.Call, e.Addr, e.Err)
	}
	return fmt.Sprintf("ton: %s failed: %v", e.Call, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Contract surface
// -----------------------------------------------------------------------------

// Op is an escrow contract operation code. Bit-exact contract surface.
type Op uint32

const (
	OpFund    Op = 1
	OpRelease Op = 2
	OpRefund  Op = 3
	OpResolve Op = 4
)

func (o Op) String() string {
	switch o {
	case OpFund:
		return "fund"
	case OpRelease:
		return "release"
	case OpRefund:
		return "refund"
	case OpResolve:
		return "resolve"
	}
	return "unknown"
}

// Resolve direction codes accepted by the contract's op::resolve.
const (
	ResolveRefundClient  uint8 = 0
	ResolvePayFreelancer uint8 = 1
	ResolveSplit         uint8 = 2
)

// SubmitParams carries the per-operation payload beyond the op code.
type SubmitParams struct {
	// ResolveDirection is consumed by OpResolve only.
	ResolveDirection uint8
}

const (
	// OpGasNano is attached to every operation message (0.05 TON).
	OpGasNano = 50_000_000
	// DeployFeeNano is added on top of the escrowed amount at deployment (0.05 TON).
	DeployFeeNano = 50_000_000
)

// ContractState is the observable state of one escrow contract instance.
type ContractState struct {
	Deployed    bool
	Active      bool
	BalanceNano *big.Int
	LastTxLT    uint64
}

// Drained reports whether escrowed funds have left the contract.
func (s *ContractState) Drained() bool {
	return s.Deployed && (!s.Active || s.BalanceNano == nil || s.BalanceNano.Sign() == 0)
}

// BroadcastRef identifies a broadcast operation for later confirmation checks.
// LastTxLT is the contract's last transaction logical time observed before the
// broadcast; the contract processing anything after that point means our
// message (escrow contracts receive traffic only from this coordinator).
type BroadcastRef struct {
	ContractAddr string
	Op           Op
	MsgHash      string
	LastTxLT     uint64
}

// Encode serializes the ref for persistence alongside the escrow operation row.
func (r *BroadcastRef) Encode() string {
	return fmt.Sprintf("%s|%d|%s|%d", r.ContractAddr, r.Op, r.MsgHash, r.LastTxLT)
}

// ParseBroadcastRef is the inverse of Encode.
func ParseBroadcastRef(s string) (*BroadcastRef, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed broadcast ref %q", s)
	}
	op, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("malformed broadcast ref op: %w", err)
	}
	lt, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed broadcast ref lt: %w", err)
	}
	return &BroadcastRef{
		ContractAddr: parts[0],
		Op:           Op(op),
		MsgHash:      parts[2],
		LastTxLT:     lt,
	}, nil
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// blockchainAPI abstracts the tonutils-go lite client for testing.
type blockchainAPI interface {
	CurrentMasterchainInfo(ctx context.Context) (*tonsdk.BlockIDExt, error)
	GetAccount(ctx context.Context, block *tonsdk.BlockIDExt, addr *address.Address) (*tlb.Account, error)
}

// walletSender abstracts the admin wallet for testing.
type walletSender interface {
	WalletAddress() *address.Address
	Send(ctx context.Context, message *wallet.Message, waitConfirmation ...bool) error
}

// Config for creating a new escrow client. Network is explicit construction
// input, never a mutable global.
type Config struct {
	Network   Network
	ConfigURL string // Optional override of the network's lite-server config
	AdminSeed string // 24-word admin wallet mnemonic
}

// Option configures the client.
type Option func(*Client)

// WithAPI sets a custom blockchain API (useful for testing).
func WithAPI(api blockchainAPI) Option {
	return func(c *Client) { c.api = api }
}

// WithSender sets a custom admin wallet sender (useful for testing).
func WithSender(w walletSender) Option {
	return func(c *Client) { c.w = w }
}

// Client sends escrow operations to TON through the admin wallet.
type Client struct {
	api     blockchainAPI
	w       walletSender
	network Network
	logger  *slog.Logger
}

// New creates an escrow client. Unless both WithAPI and WithSender are given,
// it dials the network's lite servers and loads the admin wallet from the seed.
func New(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	c := &Client{network: cfg.Network, logger: logger}
	for _, opt := range opts {
		opt(c)
	}

	if c.api == nil || c.w == nil {
		if err := c.dial(ctx, cfg); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Address returns the admin wallet address.
func (c *Client) Address() string {
	return c.w.WalletAddress().String()
}

// Network returns the configured network.
func (c *Client) Network() Network {
	return c.network
}

// BalanceNano returns the admin wallet balance in nanotons.
func (c *Client) BalanceNano(ctx context.Context) (*big.Int, error) {
	st, err := c.accountState(ctx, c.w.WalletAddress())
	if err != nil {
		return nil, err
	}
	if st.BalanceNano == nil {
		return big.NewInt(0), nil
	}
	return st.BalanceNano, nil
}

// Deploy constructs and broadcasts a contract-instantiation-plus-fund message
// for one gig. The contract address is deterministic from the state init, so
// it is known before the broadcast lands. Does not wait for confirmation.
func (c *Client) Deploy(ctx context.Context, gigID, clientAddr string, amountNano *big.Int) (string, *BroadcastRef, error) {
	clientA, err := address.ParseAddr(clientAddr)
	if err != nil {
		return "", nil, fmt.Errorf("%w: client %q", ErrInvalidAddress, clientAddr)
	}
	if amountNano == nil || amountNano.Sign() <= 0 {
		return "", nil, ErrInvalidAmount
	}

	total := new(big.Int).Add(amountNano, big.NewInt(DeployFeeNano))
	if err := c.requireBalance(ctx, new(big.Int).Add(total, big.NewInt(OpGasNano))); err != nil {
		return "", nil, err
	}

	// Initial data matching the escrow contract's storage layout.
	data := cell.BeginCell().
		MustStoreAddr(clientA).
		MustStoreBigCoins(amountNano).
		MustStoreUInt(gigSeq(gigID), 64).
		MustStoreUInt(0, 8). // status: active
		MustStoreAddr(c.w.WalletAddress()).
		EndCell()

	stateInit := &tlb.StateInit{Code: escrowCode(), Data: data}
	siCell, err := tlb.ToCell(stateInit)
	if err != nil {
		return "", nil, &CallError{Call: "deploy", Err: err}
	}
	contractAddr := address.NewAddress(0, 0, siCell.Hash())

	body := cell.BeginCell().
		MustStoreUInt(uint64(OpFund), 32).
		EndCell()

	// Last tx LT before broadcast anchors later confirmation checks. A fresh
	// address has none; a query failure here is tolerable for the same reason.
	var priorLT uint64
	if st, err := c.accountState(ctx, contractAddr); err == nil {
		priorLT = st.LastTxLT
	}

	if err := c.send(ctx, contractAddr, total, body, stateInit); err != nil {
		return "", nil, &CallError{Call: "deploy", Addr: contractAddr.String(), Err: err}
	}

	ref := &BroadcastRef{
		ContractAddr: contractAddr.String(),
		Op:           OpFund,
		MsgHash:      hex.EncodeToString(body.Hash()),
		LastTxLT:     priorLT,
	}

	c.logger.Info("escrow deployment broadcast",
		"contract", ref.ContractAddr,
		"amount_nano", amountNano.String(),
		"network", c.network,
	)

	return contractAddr.String(), ref, nil
}

// Submit encodes one operation code with its minimal payload and broadcasts it
// to an existing escrow contract. Does not wait for confirmation.
func (c *Client) Submit(ctx context.Context, contractAddr string, op Op, params SubmitParams) (*BroadcastRef, error) {
	addr, err := address.ParseAddr(contractAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, contractAddr)
	}

	st, err := c.accountState(ctx, addr)
	if err != nil {
		return nil, &CallError{Call: "submit", Addr: contractAddr, Err: err}
	}
	if !st.Deployed {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, contractAddr)
	}

	if err := c.requireBalance(ctx, big.NewInt(OpGasNano)); err != nil {
		return nil, err
	}

	b := cell.BeginCell().MustStoreUInt(uint64(op), 32)
	if op == OpResolve {
		b.MustStoreUInt(uint64(params.ResolveDirection), 8)
	}
	body := b.EndCell()

	if err := c.send(ctx, addr, big.NewInt(OpGasNano), body, nil); err != nil {
		return nil, &CallError{Call: "submit", Addr: contractAddr, Err: err}
	}

	ref := &BroadcastRef{
		ContractAddr: contractAddr,
		Op:           op,
		MsgHash:      hex.EncodeToString(body.Hash()),
		LastTxLT:     st.LastTxLT,
	}

	c.logger.Info("escrow operation broadcast",
		"contract", contractAddr,
		"op", op.String(),
		"network", c.network,
	)

	return ref, nil
}

// QueryState reads the escrow contract's observable state. This is ground
// truth independent of any single transaction's receipt.
func (c *Client) QueryState(ctx context.Context, contractAddr string) (*ContractState, error) {
	addr, err := address.ParseAddr(contractAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, contractAddr)
	}
	return c.accountState(ctx, addr)
}

func (c *Client) accountState(ctx context.Context, addr *address.Address) (*ContractState, error) {
	master, err := c.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	acc, err := c.api.GetAccount(ctx, master, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	st := &ContractState{BalanceNano: big.NewInt(0)}
	if acc == nil || acc.State == nil {
		return st, nil
	}

	st.Deployed = true
	st.Active = acc.IsActive
	st.LastTxLT = acc.LastTxLT
	st.BalanceNano = acc.State.Balance.Nano()
	return st, nil
}

func (c *Client) requireBalance(ctx context.Context, requiredNano *big.Int) error {
	balance, err := c.BalanceNano(ctx)
	if err != nil {
		return err
	}
	if balance.Cmp(requiredNano) < 0 {
		return fmt.Errorf("%w: have %s, need %s",
			ErrInsufficientBalance, FormatTON(balance), FormatTON(requiredNano))
	}
	return nil
}

func (c *Client) send(ctx context.Context, to *address.Address, amountNano *big.Int, body *cell.Cell, stateInit *tlb.StateInit) error {
	msg := &wallet.Message{
		Mode: wallet.PayGasSeparately + wallet.IgnoreErrors,
		InternalMessage: &tlb.InternalMessage{
			IHRDisabled: true,
			Bounce:      false,
			DstAddr:     to,
			Amount:      tlb.FromNanoTON(amountNano),
			Body:        body,
			StateInit:   stateInit,
		},
	}

	if err := c.w.Send(ctx, msg, false); err != nil {
		if isNetworkErr(err) {
			return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrBroadcastRejected, err)
	}
	return nil
}

// isNetworkErr distinguishes transport failures (retryable) from lite-server
// rejections of the message itself (terminal).
func isNetworkErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "connection") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "no alive nodes") ||
		strings.Contains(s, "EOF")
}

// escrowCode returns the escrow contract code cell. The contract itself is a
// black box; the coordinator only depends on its four operation codes.
func escrowCode() *cell.Cell {
	return cell.BeginCell().MustStoreUInt(0x48, 8).EndCell()
}

// gigSeq maps a gig ID to the 64-bit numeric tag the contract stores.
func gigSeq(gigID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(gigID))
	return h.Sum64()
}

// ValidAddress reports whether s parses as a TON address.
func ValidAddress(s string) bool {
	_, err := address.ParseAddr(s)
	return err == nil
}
