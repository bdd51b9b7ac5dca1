package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/wagerchain/core"
	"github.com/tolelom/wagerchain/indexer"
	"github.com/tolelom/wagerchain/node"
)

// Backend is the node API the handler serves.
type Backend interface {
	SubmitTransaction(ctx context.Context, tx *core.Transaction) error
	BalanceOf(ctx context.Context, addr string) (uint64, error)
	Account(ctx context.Context, addr string) (core.Account, error)
	ConfirmationStatus(ctx context.Context, txID string) (core.TxStatus, error)
	IsLive() bool
	Head(ctx context.Context) (*core.Block, error)
	Block(ctx context.Context, hash string) (*core.Block, error)
	BlockByHeight(ctx context.Context, height int64) (*core.Block, error)
	IsCanonical(ctx context.Context, hash string) (bool, error)
	MempoolSize() int
	Status(ctx context.Context) (node.Status, error)
	Accounts(ctx context.Context) ([]core.Account, error)
	Chain(ctx context.Context, from, to int64) ([]*core.Block, error)
}

// maxChainSpan caps how many blocks one getChain call returns.
const maxChainSpan = 500

// History serves per-address transfer lists. May be nil.
type History interface {
	Transactions(addr string) ([]indexer.Entry, error)
}

// Handler routes JSON-RPC methods to the backend.
type Handler struct {
	backend Backend
	history History
}

// NewHandler creates an RPC Handler.
func NewHandler(b Backend, h History) *Handler {
	return &Handler{backend: b, history: h}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "submitTransaction":
		return h.submitTransaction(ctx, req)
	case "getBalance":
		return h.getBalance(ctx, req)
	case "getAccount":
		return h.getAccount(ctx, req)
	case "getConfirmationStatus":
		return h.getConfirmationStatus(ctx, req)
	case "isLive":
		return okResponse(req.ID, h.backend.IsLive())
	case "getHead":
		b, err := h.backend.Head(ctx)
		return h.result(req, b, err)
	case "getBlock":
		return h.getBlock(ctx, req)
	case "isCanonical":
		return h.isCanonical(ctx, req)
	case "getTransactions":
		return h.getTransactions(req)
	case "getMempoolSize":
		return okResponse(req.ID, h.backend.MempoolSize())
	case "getAccounts":
		accs, err := h.backend.Accounts(ctx)
		return h.result(req, accs, err)
	case "getChain":
		return h.getChain(ctx, req)
	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func decode(req Request, v any) *Response {
	if len(req.Params) == 0 {
		r := errResponse(req.ID, CodeInvalidParams, "params required")
		return &r
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		r := errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
		return &r
	}
	return nil
}

// result maps backend errors onto JSON-RPC codes.
func (h *Handler) result(req Request, v any, err error) Response {
	if err == nil {
		return okResponse(req.ID, v)
	}
	var rej *core.RejectError
	switch {
	case errors.As(err, &rej):
		resp := errResponse(req.ID, CodeRejected, rej.Error())
		resp.Error.Data = RejectData{Kind: rej.Kind.String(), Class: rej.Kind.Class().String(), TxID: rej.TxID}
		return resp
	case errors.Is(err, core.ErrKnownTx):
		return errResponse(req.ID, CodeDuplicate, err.Error())
	case errors.Is(err, core.ErrPoolFull), errors.Is(err, node.ErrStopped),
		errors.Is(err, context.DeadlineExceeded):
		return errResponse(req.ID, CodeBusy, err.Error())
	case errors.Is(err, core.ErrNotFound):
		return errResponse(req.ID, CodeNotFound, err.Error())
	}
	return errResponse(req.ID, CodeInternalError, err.Error())
}

type addressParams struct {
	Address string `json:"address"`
}

func (h *Handler) submitTransaction(ctx context.Context, req Request) Response {
	var tx core.Transaction
	if r := decode(req, &tx); r != nil {
		return *r
	}
	if err := h.backend.SubmitTransaction(ctx, &tx); err != nil {
		return h.result(req, nil, err)
	}
	return okResponse(req.ID, map[string]string{"tx_id": tx.ID})
}

func (h *Handler) getBalance(ctx context.Context, req Request) Response {
	var p addressParams
	if r := decode(req, &p); r != nil {
		return *r
	}
	bal, err := h.backend.BalanceOf(ctx, p.Address)
	return h.result(req, map[string]any{"address": p.Address, "balance": bal}, err)
}

func (h *Handler) getAccount(ctx context.Context, req Request) Response {
	var p addressParams
	if r := decode(req, &p); r != nil {
		return *r
	}
	acc, err := h.backend.Account(ctx, p.Address)
	return h.result(req, acc, err)
}

func (h *Handler) getConfirmationStatus(ctx context.Context, req Request) Response {
	var p struct {
		TxID string `json:"tx_id"`
	}
	if r := decode(req, &p); r != nil {
		return *r
	}
	st, err := h.backend.ConfirmationStatus(ctx, p.TxID)
	return h.result(req, st, err)
}

func (h *Handler) getBlock(ctx context.Context, req Request) Response {
	var p struct {
		Hash   string `json:"hash"`
		Height *int64 `json:"height"`
	}
	if len(req.Params) > 0 {
		if r := decode(req, &p); r != nil {
			return *r
		}
	}
	var (
		b   *core.Block
		err error
	)
	switch {
	case p.Hash != "":
		b, err = h.backend.Block(ctx, p.Hash)
	case p.Height != nil:
		b, err = h.backend.BlockByHeight(ctx, *p.Height)
	default:
		b, err = h.backend.Head(ctx)
	}
	return h.result(req, b, err)
}

func (h *Handler) isCanonical(ctx context.Context, req Request) Response {
	var p struct {
		Hash string `json:"hash"`
	}
	if r := decode(req, &p); r != nil {
		return *r
	}
	ok, err := h.backend.IsCanonical(ctx, p.Hash)
	return h.result(req, ok, err)
}

func (h *Handler) getTransactions(req Request) Response {
	if h.history == nil {
		return errResponse(req.ID, CodeMethodNotFound, "transaction history is not enabled")
	}
	var p addressParams
	if r := decode(req, &p); r != nil {
		return *r
	}
	list, err := h.history.Transactions(p.Address)
	if list == nil {
		list = []indexer.Entry{}
	}
	return h.result(req, list, err)
}

// getChain pages through the canonical chain. Both bounds are optional; an
// open or oversized range is cut to maxChainSpan blocks from "from".
func (h *Handler) getChain(ctx context.Context, req Request) Response {
	p := struct {
		From *int64 `json:"from"`
		To   *int64 `json:"to"`
	}{}
	if len(req.Params) > 0 {
		if r := decode(req, &p); r != nil {
			return *r
		}
	}
	var from, to int64 = 0, -1
	if p.From != nil {
		from = *p.From
	}
	if p.To != nil {
		to = *p.To
	}
	if from < 0 || (p.To != nil && to < from) {
		return errResponse(req.ID, CodeInvalidParams, "need 0 <= from <= to")
	}
	if to < 0 || to-from >= maxChainSpan {
		to = from + maxChainSpan - 1
	}
	blocks, err := h.backend.Chain(ctx, from, to)
	return h.result(req, blocks, err)
}
