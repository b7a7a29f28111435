package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/sigcast/sigcast/internal/signbook"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyCaller    ctxKey = "caller"
	ctxKeyRequest   ctxKey = "signed_request"

	signatureHeader = "X-Signature"
	maxBodyBytes    = 1 << 20
)

var errBadSignature = errors.New("invalid signature")

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

func recoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic in handler", "panic", rec, "request_id", requestIDFromContext(r.Context()))
					writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
				"request_id", requestIDFromContext(r.Context()))
		})
	}
}

// signedMiddleware authenticates mutating requests. The caller is the address
// recovered from X-Signature, an Ethereum personal signature over
// keccak256(method ‖ " " ‖ path ‖ "\n" ‖ body). The body must carry an
// issued_at unix time inside the configured window. Each signed request may
// be executed once.
func (h *Handler) signedMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "failed to read body")
			return
		}

		digest := requestDigest(r.Method, r.URL.Path, body)
		caller, err := recoverCaller(digest, r.Header.Get(signatureHeader))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}

		var envelope struct {
			IssuedAt int64 `json:"issued_at"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body")
			return
		}
		if err := h.checkFreshness(envelope.IssuedAt); err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}

		req := &signbook.Request{
			ID:      crypto.Keccak256Hash(caller.Bytes(), digest),
			Expires: envelope.IssuedAt + int64((h.window+time.Second-1)/time.Second),
		}
		ctx := context.WithValue(r.Context(), ctxKeyCaller, caller)
		ctx = context.WithValue(ctx, ctxKeyRequest, req)

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) checkFreshness(issuedAt int64) error {
	if issuedAt == 0 {
		return fmt.Errorf("issued_at is required")
	}
	skew := h.now().Sub(time.Unix(issuedAt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > h.window {
		return fmt.Errorf("request issued outside the %v window", h.window)
	}
	return nil
}

// SignRequest produces the X-Signature value for a request to method and path
// carrying body.
func SignRequest(method, path string, body []byte, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(requestDigest(method, path, body), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign request: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func requestDigest(method, path string, body []byte) []byte {
	return accounts.TextHash(crypto.Keccak256([]byte(method+" "+path+"\n"), body))
}

func recoverCaller(digest []byte, header string) (common.Address, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return common.Address{}, fmt.Errorf("missing %s header", signatureHeader)
	}
	sig, err := hexutil.Decode(header)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, errBadSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, errBadSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func callerFromContext(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(ctxKeyCaller).(common.Address)
	return caller, ok
}

func signedRequestFromContext(ctx context.Context) *signbook.Request {
	req, _ := ctx.Value(ctxKeyRequest).(*signbook.Request)
	return req
}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}
