package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/sigcast/sigcast/internal/record"
	"github.com/sigcast/sigcast/internal/signbook"
	"github.com/sigcast/sigcast/internal/transport"
)

type quoteRequest struct {
	Signer  common.Address    `json:"signer"`
	Name    string            `json:"name"`
	Message string            `json:"message"`
	Options transport.Options `json:"options,omitempty"`
}

type publishRequest struct {
	Signer   common.Address    `json:"signer,omitempty"`
	Name     string            `json:"name"`
	Message  string            `json:"message"`
	Options  transport.Options `json:"options,omitempty"`
	Value    *big.Int          `json:"value"`
	IssuedAt int64             `json:"issued_at"`
}

type setPeerRequest struct {
	ChainID  uint32           `json:"chain_id"`
	Peer     transport.PeerID `json:"peer"`
	IssuedAt int64            `json:"issued_at"`
}

type replayRequest struct {
	Records  []record.SignatureRecord `json:"records"`
	IssuedAt int64                    `json:"issued_at"`
}

type fundRequest struct {
	Account  common.Address `json:"account"`
	Amount   *big.Int       `json:"amount"`
	IssuedAt int64          `json:"issued_at"`
}

type payableRequest struct {
	Account  common.Address `json:"account"`
	Payable  bool           `json:"payable"`
	IssuedAt int64          `json:"issued_at"`
}

type chainResponse struct {
	ChainID    uint32           `json:"chain_id"`
	Registered bool             `json:"registered"`
	Peer       transport.PeerID `json:"peer"`
}

func (h *Handler) localChain(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]uint32{"chain_id": h.reader.LocalChainID()})
}

func (h *Handler) listChains(w http.ResponseWriter, _ *http.Request) {
	chains, err := h.reader.ListRegisteredChains()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if chains == nil {
		chains = []uint32{}
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"local_chain_id": h.reader.LocalChainID(),
		"chains":         chains,
	})
}

func (h *Handler) getChain(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid chain id")
		return
	}
	registered, err := h.reader.IsRegistered(uint32(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := chainResponse{ChainID: uint32(id), Registered: registered}
	if registered {
		if resp.Peer, err = h.reader.Peer(uint32(id)); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	writeSuccess(w, http.StatusOK, resp)
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid address")
		return
	}
	addr := common.HexToAddress(raw)
	balance, err := h.reader.Balance(addr)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"address": addr, "balance": balance})
}

func (h *Handler) quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body")
		return
	}
	fee, err := h.reader.Quote(req.Signer, req.Name, req.Message, req.Options)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]*big.Int{"fee": fee})
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	h.handlePublish(w, r, signbook.OpPublish)
}

func (h *Handler) publishFor(w http.ResponseWriter, r *http.Request) {
	h.handlePublish(w, r, signbook.OpPublishFor)
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request, op signbook.Op) {
	var req publishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if op == signbook.OpPublishFor && req.Signer == (common.Address{}) {
		writeDomainError(w, fmt.Errorf("%w: signer is required", errInvalidInput))
		return
	}

	args := signbook.PublishArgs{Name: req.Name, Message: req.Message, Options: req.Options}
	if op == signbook.OpPublishFor {
		args.Signer = req.Signer
	}

	outcome, ok := h.execute(w, r, op, req.Value, args)
	if !ok {
		return
	}
	writeSuccess(w, http.StatusCreated, outcome.Publish)
}

func (h *Handler) setPeer(w http.ResponseWriter, r *http.Request) {
	var req setPeerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, ok := h.execute(w, r, signbook.OpSetPeer, nil, signbook.SetPeerArgs{ChainID: req.ChainID, Peer: req.Peer}); ok {
		writeMessage(w, http.StatusOK, fmt.Sprintf("peer for chain %d updated", req.ChainID))
	}
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, ok := h.execute(w, r, signbook.OpReplay, nil, signbook.ReplayArgs{Records: req.Records}); ok {
		writeMessage(w, http.StatusOK, fmt.Sprintf("replayed %d records", len(req.Records)))
	}
}

func (h *Handler) fund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount == nil {
		writeDomainError(w, fmt.Errorf("%w: amount is required", errInvalidInput))
		return
	}
	if _, ok := h.execute(w, r, signbook.OpFund, nil, signbook.FundArgs{Account: req.Account, Amount: req.Amount}); ok {
		writeMessage(w, http.StatusOK, "account funded")
	}
}

func (h *Handler) setPayable(w http.ResponseWriter, r *http.Request) {
	var req payableRequest
	if !decodeBody(w, r, &req) {
		return
	}
	args := signbook.SetPayableArgs{Account: req.Account, Payable: req.Payable}
	if _, ok := h.execute(w, r, signbook.OpSetPayable, nil, args); ok {
		writeMessage(w, http.StatusOK, "payable flag updated")
	}
}

// execute runs op as the authenticated caller and writes the error response
// when it fails.
func (h *Handler) execute(w http.ResponseWriter, r *http.Request, op signbook.Op, value *big.Int, args any) (*signbook.Outcome, bool) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing caller")
		return nil, false
	}

	cmd, err := signbook.NewCommand(op, signbook.Call{Sender: caller, Value: value, Time: h.now()}, args)
	if err != nil {
		writeDomainError(w, fmt.Errorf("%w: %v", errInvalidInput, err))
		return nil, false
	}
	cmd.Request = signedRequestFromContext(r.Context())

	outcome, err := h.exec.Execute(r.Context(), cmd)
	if err != nil {
		status, code, msg := mapDomainError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Command failed", "op", op, "error", err, "request_id", requestIDFromContext(r.Context()))
		}
		writeError(w, status, code, msg)
		return nil, false
	}
	return outcome, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body")
		return false
	}
	return true
}
